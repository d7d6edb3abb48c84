package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		db, err := database.New(ctx, cfg.DSN())
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", cfg.RedactedDSN(), err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied", "dsn", cfg.RedactedDSN())
		return nil
	},
}
