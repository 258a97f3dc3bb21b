package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrade/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [plan-id]",
		Short: "List stored plans, or show one plan with its events",
		Example: `  # List the last 20 plans
  froyo-upgrade history

  # Show one plan
  froyo-upgrade history 5c1e...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx, nil)
			if err != nil {
				return err
			}
			defer ws.Close()

			if len(args) == 1 {
				return showPlan(cmd, ws, args[0], limit)
			}

			records, err := ws.svc.History(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, records)
			}
			if len(records) == 0 {
				fmt.Println("No plans.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBLUEPRINT\tSTATE\tMODS\tERRORS\tCREATED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Blueprint, r.State, r.Modifications, r.Errors, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of records")

	return cmd
}

func showPlan(cmd *cobra.Command, ws *workspace, id string, limit int) error {
	ctx := cmd.Context()

	record, err := ws.store.GetPlan(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("plan %s not found", id)
	}
	if err != nil {
		return err
	}
	summary, err := record.DecodeSummary()
	if err != nil {
		return err
	}
	events, err := ws.svc.Events(ctx, id, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, map[string]interface{}{
			"plan":   record,
			"events": events,
		})
	}

	fmt.Printf("Blueprint: %s\n", record.Blueprint)
	if record.AppliedAt != nil {
		fmt.Printf("Applied:   %s\n", record.AppliedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if record.Error != nil {
		fmt.Printf("Error:     %s\n", *record.Error)
	}
	fmt.Println()
	summary.State = record.State
	printSummary(os.Stdout, summary)

	if len(events) > 0 {
		fmt.Printf("\nEvents (%d):\n", len(events))
		// stored newest first
		for i := len(events) - 1; i >= 0; i-- {
			e := events[i]
			fmt.Printf("  %s %-7s %-22s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Level, e.Type, e.Message)
		}
	}
	return nil
}
