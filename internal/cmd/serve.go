package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/app"
	"github.com/relaypoint/relaypoint/internal/config"
	errwrap "github.com/relaypoint/relaypoint/internal/errors"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/observability"
	"github.com/relaypoint/relaypoint/internal/server"
	"github.com/relaypoint/relaypoint/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file

The gateway stops accepting requests, closes the state store and flushes logs
on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "invalid configuration")
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
		logger := observability.ServerLogger

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize runtime", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "runtime initialization failed")
		}

		if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
			if err := observability.InitMetrics(metrics.Registry, cfg.Metrics.Port); err != nil {
				_ = a.Close()
				logger.Error("Failed to start metrics listener", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}
		metrics.SetServerStartTime(time.Now().Unix())
		handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

		srv := server.New(a, versionInfo.Version)

		janitorCtx, stopJanitor := context.WithCancel(context.Background())
		if a.StartJanitor(janitorCtx, cfg.Limiter.PurgeInterval) {
			logger.Debug("Started limiter state janitor", zap.Duration("interval", cfg.Limiter.PurgeInterval))
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("store", cfg.Store.Driver),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Int("adapters", len(a.Registry.Platforms())))

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Handlers run LIFO: the HTTP server stops first, the logger flushes last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			stopJanitor()
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Failed to stop metrics listener", zap.Error(err))
			}
			if err := a.Close(); err != nil {
				return errwrap.WrapStoreError(ctx, err, "state store close failed")
			}
			logger.Info("State store closed")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			path, err := config.ReadConfigFile(v)
			if err != nil {
				logger.Error("Failed to reload config file", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if _, err := config.Load(ctx, v); err != nil {
				logger.Error("Reloaded config is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			// Running limiters and listeners keep their startup settings.
			logger.Info("Configuration validated; restart to apply limiter and listener changes",
				zap.String("file", path))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopJanitor()
			_ = a.Close()
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
}
