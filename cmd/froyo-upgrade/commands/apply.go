package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrade/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		files       []string
		vars        map[string]string
		fingerprint string
		flags       planFlags
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Upgrade the live topology to a blueprint version",
		Long: `Build the plan for a blueprint version and apply it.

A plan with errors is rejected and nothing is applied. Modifications are
applied in order and each fires once. When one fails, the ones before it stay
applied: there is no rollback. The live topology is stored either way.

With --fingerprint, apply refuses to run unless the plan is identical to the
one previewed with 'plan'.`,
		Example: `  # Apply the plan previewed earlier
  froyo-upgrade apply -f shop-v2.cue --fingerprint 3f9a...

  # Apply in reset mode
  froyo-upgrade apply -f shop-v2.cue --reset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			compiled, err := compileBlueprint(ctx, files, vars)
			if err != nil {
				return err
			}

			ws, err := openWorkspace(ctx, &flags)
			if err != nil {
				return err
			}
			defer ws.Close()

			log.Info().
				Str("blueprint", compiled.Name).
				Str("fingerprint", fingerprint).
				Msg("Applying plan")

			result, err := ws.svc.Plan(ctx, compiled)
			if err != nil {
				return fmt.Errorf("failed to build plan: %w", err)
			}

			applyErr := ws.svc.Apply(ctx, result, fingerprint)
			if errors.Is(applyErr, engine.ErrFingerprintMismatch) {
				return fmt.Errorf("%w: the topology or blueprint changed since the plan was previewed", applyErr)
			}

			if jsonOutput {
				if err := printJSON(os.Stdout, result.Summary); err != nil {
					return err
				}
			} else {
				printSummary(os.Stdout, result.Summary)
				fmt.Println()
			}

			if applyErr != nil {
				return fmt.Errorf("plan %s not applied: %w", result.Plan.ID, applyErr)
			}
			if !jsonOutput {
				fmt.Printf("✓ Applied %d modifications\n", len(result.Summary.Modifications))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "blueprint file or directory")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable passed to Starlark blueprints")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "only apply if the plan has this fingerprint")
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
