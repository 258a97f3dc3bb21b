package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDeployCommand() *cobra.Command {
	var (
		files []string
		vars  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the first version of a blueprint",
		Long: `Instantiate a blueprint as the live topology of the workspace.

Deploy only works on an empty workspace. Later versions of the blueprint are
rolled out with 'plan' and 'apply'.`,
		Example: `  # Deploy a CUE blueprint
  froyo-upgrade deploy -f shop.cue

  # Deploy a Starlark blueprint with variables
  froyo-upgrade deploy -f shop.star --var region=eu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			compiled, err := compileBlueprint(ctx, files, vars)
			if err != nil {
				return err
			}

			ws, err := openWorkspace(ctx, nil)
			if err != nil {
				return err
			}
			defer ws.Close()

			log.Info().Str("blueprint", compiled.Name).Strs("files", files).Msg("Deploying blueprint")

			result, err := ws.svc.Deploy(ctx, compiled)
			if err != nil {
				return fmt.Errorf("failed to deploy: %w", err)
			}

			if jsonOutput {
				return printJSON(os.Stdout, result)
			}
			fmt.Printf("✓ Deployed %s: %d nodes, root %s\n", result.Blueprint, result.Nodes, result.RootID)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "blueprint file or directory")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable passed to Starlark blueprints")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
