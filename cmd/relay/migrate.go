package main

import (
	"context"

	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type migration func(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the relay database schema",
	}

	sub := func(use, short string, fn migration) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				db, err := store.Connect(cmd.Context(), cfg.Database.DSN, store.Options{MaxOpenConns: 1})
				if err != nil {
					return err
				}
				defer store.Close(db)
				return fn(cmd.Context(), db, observability.GetLogger())
			},
		}
	}

	cmd.AddCommand(
		sub("up", "Apply all pending migrations", store.Migrate),
		sub("down", "Roll back the most recent migration", store.MigrateDown),
		sub("status", "Print the state of every migration", store.MigrationStatus),
	)
	return cmd
}
