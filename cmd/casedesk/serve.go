package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/auth"
	"github.com/dennisdiepolder/monti/casedesk/internal/config"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/sweeper"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if port != "" {
				cfg.Port = port
			}
			return serve(cfg, storage.LoadConfig())
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (overrides PORT)")
	return cmd
}

func serve(cfg *config.Config, storeCfg storage.Config) error {
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store", string(storeCfg.Driver)).
		Dur("expiry_window", cfg.ExpiryWindow).
		Msg("starting casedesk server")

	if issuer := os.Getenv("OIDC_ISSUER"); issuer != "" {
		if err := auth.InitJWKS(issuer); err != nil {
			logger.Warn().Err(err).Str("issuer", issuer).Msg("failed to initialize JWKS, retrying on first request")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, storeCfg, logger)
	if err != nil {
		return err
	}

	go a.hub.Run(ctx)
	go sweeper.NewSweeper(a.engine, cfg.SweepInterval, logger).Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		cancel()
		a.close(context.Background())
		return err
	}

	logger.Info().Msg("shutting down server...")

	// Stops the hub and the sweeper
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to release connections")
	}

	logger.Info().Msg("server stopped")
	return nil
}
