package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/vaulthalla/vaulthalla/internal/catalog/postgres"
	"github.com/vaulthalla/vaulthalla/internal/config"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending catalog schema migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("migrate: database.dsn is not configured")
			}

			db, err := sqlx.Connect("postgres", cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			return postgres.Migrate(db.DB)
		},
	}
}
