package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/output"
)

var rateLimitListFlags limiterQueryFlags

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored limiter state",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := rateLimitListFlags.query()
		if query.Validate() != nil {
			query.All = true
		}

		backend, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		entries, err := backend.ListLimiterStates(cmd.Context(), query)
		if err != nil {
			return err
		}

		rendered, err := output.LimiterEntries(format, entries)
		if err != nil {
			return err
		}
		return writeOutput(cmd, format, "rate-limit.list", rendered)
	},
}

func init() {
	rateLimitListFlags.register(rateLimitListCmd, "List")
	addOutputFlags(rateLimitListCmd)
}
