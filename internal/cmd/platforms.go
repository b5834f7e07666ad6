package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/app"
	"github.com/relaypoint/relaypoint/internal/core/store"
	"github.com/relaypoint/relaypoint/internal/output"
)

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "Show the effective quota policy for every platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		// Policies come from config alone, so no state store is opened.
		a, err := app.NewWithBackend(cfg, store.NewMemory(), nil)
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		rendered, err := output.Policies(format, policyRows(a))
		if err != nil {
			return err
		}
		return writeOutput(cmd, format, "platforms", rendered)
	},
}

func policyRows(a *app.App) []output.PolicyRow {
	platforms := a.KnownPlatforms()
	rows := make([]output.PolicyRow, 0, len(platforms))
	for _, p := range platforms {
		policy := a.Config.PolicyFor(p)
		_, registered := a.Registry.Get(p)
		rows = append(rows, output.PolicyRow{
			Platform:          p,
			RequestsPerWindow: policy.RequestsPerWindow,
			Window:            policy.Window.String(),
			MinDelay:          policy.MinDelay.String(),
			MaxDelay:          policy.MaxDelay.String(),
			DailyLimit:        policy.DailyLimit,
			Adapter:           registered,
		})
	}
	return rows
}

func init() {
	addOutputFlags(platformsCmd)
	rootCmd.AddCommand(platformsCmd)
}
