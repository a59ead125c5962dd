package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/pkg/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	}
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	db, err := database.Connect(ctx, cfg.Database(), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewMigrationService(logger, cfg.Migration()).Migrate(cfg.DatabaseName, db); err != nil {
		logger.WithError(err).Error("Migration failed")
		return err
	}
	logger.Info("Migrations applied")
	return nil
}
