package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/output"
)

var (
	rateLimitStatusPlatform string
	rateLimitStatusAccount  string
	rateLimitStatusAction   string
)

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live quota usage for one account",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		p, account, err := requirePlatformAccount(rateLimitStatusPlatform, rateLimitStatusAccount)
		if err != nil {
			return err
		}
		actions, err := parseActions(rateLimitStatusAction)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		limiter, err := a.Limiter(p)
		if err != nil {
			return err
		}
		statuses := make([]engine.Status, 0, len(actions))
		for _, action := range actions {
			status, err := limiter.Status(cmd.Context(), account, action)
			if err != nil {
				return err
			}
			statuses = append(statuses, status)
		}

		rendered, err := output.Statuses(format, statuses)
		if err != nil {
			return err
		}
		return writeOutput(cmd, format, "rate-limit.status."+string(p)+"."+account, rendered)
	},
}

func init() {
	rateLimitStatusCmd.Flags().StringVar(&rateLimitStatusPlatform, "platform", "", "Platform name (required)")
	rateLimitStatusCmd.Flags().StringVar(&rateLimitStatusAccount, "account", "", "Account id (required)")
	rateLimitStatusCmd.Flags().StringVar(&rateLimitStatusAction, "action", "", "fetch or send (default both)")
	addOutputFlags(rateLimitStatusCmd)
}
