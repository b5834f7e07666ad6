package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/observability"
	"github.com/relaypoint/relaypoint/internal/output"
)

var (
	rateLimitPausePlatform string
	rateLimitPauseAccount  string
	rateLimitPauseAction   string
	rateLimitPauseDuration time.Duration
	rateLimitPauseClear    bool
)

var rateLimitPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause requests for one account",
	Long: `Pause requests for one account and action until the duration elapses.
Use --clear to lift an existing pause.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		p, account, err := requirePlatformAccount(rateLimitPausePlatform, rateLimitPauseAccount)
		if err != nil {
			return err
		}
		actions, err := parseActions(rateLimitPauseAction)
		if err != nil {
			return err
		}
		d := rateLimitPauseDuration
		if rateLimitPauseClear {
			d = 0
		} else if d <= 0 {
			return errors.New("--duration must be positive (or use --clear)")
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
			if err := limiter.PauseRequests(cmd.Context(), account, d, action); err != nil {
				return err
			}
			status, err := limiter.Status(cmd.Context(), account, action)
			if err != nil {
				return err
			}
			statuses = append(statuses, status)
		}
		observability.Component().Debug("Updated account pause",
			zap.String("platform", string(p)),
			zap.String("account_id", account),
			zap.Duration("duration", d))

		rendered, err := output.Statuses(format, statuses)
		if err != nil {
			return err
		}
		return writeOutput(cmd, format, "rate-limit.pause."+string(p)+"."+account, rendered)
	},
}

func init() {
	rateLimitPauseCmd.Flags().StringVar(&rateLimitPausePlatform, "platform", "", "Platform name (required)")
	rateLimitPauseCmd.Flags().StringVar(&rateLimitPauseAccount, "account", "", "Account id (required)")
	rateLimitPauseCmd.Flags().StringVar(&rateLimitPauseAction, "action", "", "fetch or send (default both)")
	rateLimitPauseCmd.Flags().DurationVar(&rateLimitPauseDuration, "duration", 0, "How long to pause (e.g. 15m)")
	rateLimitPauseCmd.Flags().BoolVar(&rateLimitPauseClear, "clear", false, "Lift an existing pause")
	addOutputFlags(rateLimitPauseCmd)
}
