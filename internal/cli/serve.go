package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/stagecoord/internal/mgmt"
)

// version is set at build time with -ldflags "-X .../internal/cli.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the management API and the maintenance sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rootOpts)
		},
	}
}

func serve(ctx context.Context, opts *RootOptions) error {
	app, err := loadApp(opts, os.Stdout)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg, logger := app.Config, app.Logger
	logger.Info().
		Str("environment", cfg.Environment).
		Str("store_backend", cfg.StoreBackend).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Msg("starting stage coordinator")

	server := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		AssetColdAfter: cfg.AssetColdAfter,
		Version:        version,
	}, mgmt.Deps{
		Coordinator: app.Coordinator,
		Ledger:      app.Ledger,
		Budgets:     app.Budgets,
		Assets:      app.Assets,
		Audit:       app.Audit,
		Executions:  app.Store,
		Scorer:      app.Scorer,
		Checker:     app.Checker,
		Metrics:     app.Metrics,
	}, &mgmt.RuntimeConfig{
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
		StoreBackend:   cfg.StoreBackend,
		MgmtListenAddr: cfg.MgmtListenAddr,
		RateLimitRPS:   cfg.MgmtRateLimitRPS,
		RateLimitBurst: cfg.MgmtRateLimitBurst,
		AuthMode:       cfg.MgmtAuthMode,
		SweepInterval:  cfg.SweepInterval,
		AssetColdAfter: cfg.AssetColdAfter,
	}, logger)

	if err := app.Sweeper.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("management API server error")
		app.Sweeper.Stop()
		return WrapExitError(ExitCommandError, "management API", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	app.Sweeper.Stop()
	wg.Wait()

	logger.Info().Msg("stage coordinator stopped")
	return nil
}
