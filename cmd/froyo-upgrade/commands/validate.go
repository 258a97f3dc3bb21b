package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrade/pkg/config"
	"github.com/openfroyo/upgrade/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Compile and validate a blueprint",
		Long: `Compile a blueprint without touching the workspace.

This command checks:
  - Syntax of CUE, YAML/JSON or Starlark sources
  - Schema conformance of the blueprint document
  - Catalog items and catalog references
  - Identity tokens that appear more than once`,
		Example: `  # Validate a CUE package directory
  froyo-upgrade validate ./blueprints/shop

  # Validate a Starlark blueprint
  froyo-upgrade validate shop.star --var region=eu`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Strs("paths", args).Msg("Validating blueprint")

			compiled, err := compileBlueprint(cmd.Context(), args, vars)
			var bpErr *config.BlueprintError
			if errors.As(err, &bpErr) && !jsonOutput {
				fmt.Printf("✗ %s\n", bpErr.Source)
				for _, ve := range bpErr.Errors {
					fmt.Printf("  - %s\n", ve.String())
				}
				return fmt.Errorf("blueprint has %d errors", len(bpErr.Errors))
			}
			if err != nil {
				return err
			}

			nodes := 0
			_ = compiled.Root.Walk(func(*engine.DesiredNode) error {
				nodes++
				return nil
			})
			seen := engine.DuplicateIdentities(compiled.Root)
			duplicates := make([]string, 0, len(seen))
			for token := range seen {
				duplicates = append(duplicates, token)
			}
			sort.Strings(duplicates)

			if jsonOutput {
				return printJSON(os.Stdout, map[string]interface{}{
					"name":                compiled.Name,
					"nodes":               nodes,
					"catalog":             len(compiled.Catalog),
					"duplicateIdentities": duplicates,
				})
			}

			fmt.Printf("✓ %s: %d nodes, %d catalog items\n", compiled.Name, nodes, len(compiled.Catalog))
			for _, token := range duplicates {
				fmt.Printf("  ! identity token %q is used %d times; matching picks one of them\n", token, seen[token])
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variable passed to Starlark blueprints")

	return cmd
}
