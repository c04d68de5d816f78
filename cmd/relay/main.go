package main

import (
	"os"

	"inbox-relay/internal/config"
	"inbox-relay/internal/observability"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Inbox/outbox delivery pipeline for the user service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load before reading the environment (default .env, .env.local)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return nil, err
		}
		observability.InitLogger(cfg.Logging.Level)
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newMigrateCmd(load))
	cmd.AddCommand(newProduceCmd(load))
	return cmd
}

type configLoader func() (*config.Config, error)
