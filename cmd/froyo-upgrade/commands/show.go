package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrade/pkg/upgrader"
)

func newShowCommand() *cobra.Command {
	var showTypes bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the live topology",
		Example: `  # Print the live tree
  froyo-upgrade show

  # Include the node type catalog
  froyo-upgrade show --types`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx, nil)
			if err != nil {
				return err
			}
			defer ws.Close()

			mgr, err := ws.svc.Topology(ctx)
			if errors.Is(err, upgrader.ErrNotDeployed) {
				fmt.Println("No topology deployed.")
				return nil
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]interface{}{"nodes": mgr.Snapshot()}
				if showTypes {
					out["types"] = mgr.Types()
				}
				return printJSON(os.Stdout, out)
			}

			printTree(os.Stdout, mgr.Root(), "")
			if showTypes {
				fmt.Println("\nNode types:")
				for _, t := range mgr.Types() {
					fmt.Printf("  %s (%d keys)\n", t.Ref(), len(t.Keys))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showTypes, "types", false, "also list the node type catalog")

	return cmd
}
