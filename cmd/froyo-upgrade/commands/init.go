package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrade/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		force    bool
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an upgrade workspace",
		Long: `Initialize a workspace: the data directory, the SQLite database with its
schema, and a workspace config file.

Running init on an existing workspace applies pending migrations and keeps
the config file unless --force is given.`,
		Example: `  # Initialize ./data
  froyo-upgrade init

  # Initialize with a policy directory
  froyo-upgrade init --data-dir /var/lib/shop --policy ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			log.Info().
				Str("data_dir", dataDir).
				Str("config", resolvedConfigPath()).
				Msg("Initializing workspace")

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			cfg := defaultWorkspaceConfig(dataDir)
			cfg.Policies = policies

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			path := resolvedConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("✓ Config file already exists: %s\n", path)
			} else {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to encode config: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			fmt.Printf("\nWorkspace initialized.\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Deploy the current blueprint:\n")
			fmt.Printf("     froyo-upgrade deploy -f blueprint.cue\n\n")
			fmt.Printf("  2. Preview an upgrade:\n")
			fmt.Printf("     froyo-upgrade plan -f blueprint-v2.cue\n\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy file or directory recorded in the config")

	return cmd
}
