package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/store"
	"github.com/relaypoint/relaypoint/internal/output"
)

var (
	usagePlatform string
	usageAccount  string
	usageSince    time.Duration
	usageLimit    int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect the platform API usage log",
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent platform API calls, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if usageLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		q := store.UsageQuery{
			AccountID: strings.TrimSpace(usageAccount),
			Limit:     usageLimit,
		}
		if p := core.ParsePlatform(usagePlatform); p != "" {
			q.Platform = string(p)
		}
		if usageSince > 0 {
			q.Since = time.Now().UTC().Add(-usageSince)
		}

		backend, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		records, err := backend.ListUsage(cmd.Context(), q)
		if err != nil {
			return err
		}
		rendered, err := output.Usage(format, records)
		if err != nil {
			return err
		}
		return writeOutput(cmd, format, "usage.list", rendered)
	},
}

func init() {
	usageListCmd.Flags().StringVar(&usagePlatform, "platform", "", "Only show one platform")
	usageListCmd.Flags().StringVar(&usageAccount, "account", "", "Only show one account id")
	usageListCmd.Flags().DurationVar(&usageSince, "since", 0, "Only show calls within this duration (e.g. 24h)")
	usageListCmd.Flags().IntVar(&usageLimit, "limit", 50, "Maximum records to show (0 for the store default)")
	addOutputFlags(usageListCmd)

	usageCmd.AddCommand(usageListCmd)
	rootCmd.AddCommand(usageCmd)
}
