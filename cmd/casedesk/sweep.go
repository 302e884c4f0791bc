package main

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/casedesk/internal/config"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/sweeper"
	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire idle queries once and exit",
		Long:  `Runs a single expiry pass against the configured store. Useful from cron when the server runs without its own sweeper.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return sweepOnce(cmd.Context(), cfg, storage.LoadConfig())
		},
	}
}

func sweepOnce(ctx context.Context, cfg *config.Config, storeCfg storage.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := setupLogger(cfg.LogLevel)

	a, err := newApp(ctx, cfg, storeCfg, logger)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	expired, err := sweeper.NewSweeper(a.engine, cfg.SweepInterval, logger).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed after expiring %d queries: %w", expired, err)
	}
	logger.Info().Int("expired", expired).Msg("sweep finished")
	return nil
}
