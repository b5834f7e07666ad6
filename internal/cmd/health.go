package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/app"
	errwrap "github.com/relaypoint/relaypoint/internal/errors"
	"github.com/relaypoint/relaypoint/internal/observability"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the configuration loads, the state store answers and adapters can be built.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		cfg, err := loadConfig(ctx)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration is invalid", errwrap.WrapConfigInvalid(ctx, err, "config load failed"))
			return
		}
		logger.Info("✅ Configuration valid", zap.String("store", cfg.Store.Driver))

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Runtime failed to start", errwrap.WrapStoreError(ctx, err, "runtime initialization failed"))
			return
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		if err := a.Backend.Ping(ctx); err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "State store is unreachable", errwrap.WrapStoreError(ctx, err, "store ping failed"))
			return
		}
		logger.Info("✅ State store reachable")

		adapters := a.Registry.Platforms()
		if len(adapters) == 0 {
			logger.Warn("⚠️  No platform adapters enabled; only limiter admin routes will be useful")
		} else {
			for _, p := range adapters {
				logger.Info("✅ Adapter ready", zap.String("platform", string(p)))
			}
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "Time allowed for the checks")
	rootCmd.AddCommand(healthCmd)
}
