package main

import (
	"fmt"

	"github.com/maltedev/catalog-scraper/internal/catalog/config"
	"github.com/maltedev/catalog-scraper/internal/database"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema using the DB_* environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE_BACKEND=%s, got %q", config.StorePostgres, cfg.Store.Backend)
			}

			db, err := database.New(cmd.Context(), database.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				Database: cfg.Database.Name,
				SSLMode:  cfg.Database.SSLMode,
				MaxConns: cfg.Database.MaxConns,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
