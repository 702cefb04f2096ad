package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/posse-discovery/internal/config"
	pgstore "github.com/JakeFAU/posse-discovery/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/posse-discovery/internal/storage/sqlite"
)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies record store schema migrations",
		// Overrides the root hook: migrating must not require a working app.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, err := loadConfig(cmd, *cfgFile)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ok := cmd.Context().Value(configKey).(*config.Config)
			if !ok {
				return fmt.Errorf("configuration not loaded")
			}
			version, err := migrateStore(cfg.Store)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", cfg.Store.Driver, version)
			return err
		},
	}
}

func migrateStore(cfg config.StoreConfig) (uint, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		version, dirty, err := pgstore.RunMigrations(cfg.DSN)
		if err != nil {
			return 0, fmt.Errorf("migrate postgres: %w", err)
		}
		if dirty {
			return version, fmt.Errorf("postgres schema version %d is dirty", version)
		}
		return version, nil
	case config.StoreSQLite:
		store, err := sqlitestore.Open(cfg.DSN)
		if err != nil {
			return 0, fmt.Errorf("open sqlite: %w", err)
		}
		defer func() { _ = store.Close() }()
		version, err := store.Migrate()
		if err != nil {
			return 0, fmt.Errorf("migrate sqlite: %w", err)
		}
		return version, nil
	default:
		return 0, fmt.Errorf("store driver %q has no schema to migrate", cfg.Driver)
	}
}
