package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// v holds the layered configuration for the current invocation.
	v *viper.Viper

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Per-account rate limiting and retry gateway for messaging platforms",
	Long: `relaypoint fronts messaging platform APIs with per-account rate limits,
daily caps, human-like pacing and exponential backoff.

Use the subcommands to run the gateway or inspect and manage limiter state.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", config.AppName))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig builds the viper instance and reads the config file, if any.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	v = config.NewViper(cfgFile)
	_ = v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	path, err := config.ReadConfigFile(v)
	if err != nil {
		observability.CLILogger.Warn("Error reading config file", zap.Error(err))
		return
	}
	if path != "" {
		observability.CLILogger.Debug("Using config file", zap.String("path", path))
	} else {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	}
}

// loadConfig decodes and validates the configuration for this invocation.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if v == nil {
		v = config.NewViper(cfgFile)
	}
	cfg, err := config.Load(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
