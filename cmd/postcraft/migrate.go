package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pitabwire/postcraft/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func init() {
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd, migrations.Up)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd, migrations.Down)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPool(cmd, func(pool *pgxpool.Pool) error {
					v, dirty, err := migrations.Version(pool)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
					return nil
				})
			},
		},
	)
}

func withPool(cmd *cobra.Command, fn func(*pgxpool.Pool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("database: %s is not set", cfg.Database.DSNEnv)
	}
	defer pool.Close()
	return fn(pool)
}
