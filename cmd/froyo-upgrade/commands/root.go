package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	verbose    bool
	jsonOutput bool
	metricsOut string
)

// Execute runs the command line with ctx, which is cancelled on interrupt.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-upgrade",
		Short: "Upgrade a running topology to a new blueprint version",
		Long: `froyo-upgrade reconciles a running, tree-shaped topology with a newer
version of the blueprint it was deployed from.

Live nodes are paired with desired nodes by identity token, never by
position, and the differences become an inspectable plan of modifications.
Plans that carry errors are never applied.

Blueprints may be written in CUE, YAML/JSON or Starlark.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "workspace config file (default <data-dir>/froyo-upgrade.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./data", "workspace data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(
		newInitCommand(),
		newValidateCommand(),
		newDeployCommand(),
		newPlanCommand(),
		newApplyCommand(),
		newShowCommand(),
		newHistoryCommand(),
	)

	return rootCmd
}
