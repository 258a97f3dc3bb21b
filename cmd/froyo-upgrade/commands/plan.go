package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.reset, "reset", false, "replace all local config of matched nodes instead of comparing keys")
	cmd.Flags().BoolVar(&f.permissive, "permissive", false, "add desired nodes that do not exist live instead of failing")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", 0, "fail when the live tree is deeper than this (0 for no bound)")
	cmd.Flags().StringSliceVar(&f.policies, "policy", nil, "additional policy file or directory")
}

func newPlanCommand() *cobra.Command {
	var (
		files   []string
		vars    map[string]string
		outFile string
		flags   planFlags
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the upgrade to a blueprint version",
		Long: `Match the live topology against a new blueprint version and print the
resulting plan. Nothing is modified.

The plan lists:
  - Modifications, in the order apply would run them
  - Errors, which block apply (unmatched desired nodes, malformed catalog
    references, policy violations)
  - No-ops, things deliberately left alone

Pass the printed fingerprint to 'apply --fingerprint' to apply exactly the
previewed plan.`,
		Example: `  # Preview an upgrade
  froyo-upgrade plan -f shop-v2.cue

  # Replace local config wholesale and add new children
  froyo-upgrade plan -f shop-v2.cue --reset --permissive

  # Save the summary
  froyo-upgrade plan -f shop-v2.cue --out plan.yaml`,
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

			opts := ws.svc.Options()
			log.Info().
				Str("blueprint", compiled.Name).
				Str("mode", string(opts.Plan.ConfigMode)).
				Str("unmatched", string(opts.Plan.UnmatchedPolicy)).
				Msg("Generating plan")

			result, err := ws.svc.Plan(ctx, compiled)
			if err != nil {
				return fmt.Errorf("failed to build plan: %w", err)
			}

			if outFile != "" {
				if err := writeFile(outFile, result.Summary); err != nil {
					return err
				}
				log.Info().Str("out", outFile).Msg("Wrote plan summary")
			}

			if jsonOutput {
				return printJSON(os.Stdout, result.Summary)
			}
			printSummary(os.Stdout, result.Summary)
			if len(result.Summary.Errors) == 0 && len(result.Summary.Modifications) > 0 {
				fmt.Printf("\nTo apply this plan:\n  froyo-upgrade apply -f <blueprint> --fingerprint %s\n",
					result.Summary.Fingerprint)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "blueprint file or directory")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable passed to Starlark blueprints")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan summary to a file (.json or .yaml)")
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
