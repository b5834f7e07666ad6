package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/output"
)

var (
	rateLimitResetFlags  limiterQueryFlags
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored limiter state and error counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := rateLimitResetFlags.query()
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
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
		matched := len(entries)

		var deleted int64
		if !rateLimitResetDryRun {
			deleted, err = backend.ResetLimiterStates(cmd.Context(), query)
			if err != nil {
				return err
			}
		}

		outPath, outDir, err := resolveOutputTargets(cmd)
		if err != nil {
			return err
		}
		if outPath == "" && outDir == "" {
			return writeRateLimitResetResult(format, cmd.OutOrStdout(), matched, deleted, rateLimitResetDryRun)
		}
		var b strings.Builder
		if err := writeRateLimitResetResult(format, &b, matched, deleted, rateLimitResetDryRun); err != nil {
			return err
		}
		return writeOutput(cmd, format, "rate-limit.reset", strings.TrimRight(b.String(), "\n"))
	},
}

// writeRateLimitResetResult reports how many keys matched and were deleted.
// Deleted can exceed matched: error counters are removed with their keys.
func writeRateLimitResetResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"deleted": deleted,
		"dry_run": dryRun,
	}

	switch format {
	case output.FormatJSON, output.FormatYAML:
		rendered, err := output.Render(format, result, output.Table{})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, rendered)
		return err
	}

	line := fmt.Sprintf("Deleted %d stored key(s); %d limiter key(s) matched", deleted, matched)
	if dryRun {
		line = fmt.Sprintf("Would delete %d limiter key(s) and their error counters", matched)
	}
	_, err := fmt.Fprint(w, ascii.DrawBox("Rate Limit Reset\n\n"+line, 0))
	return err
}

func init() {
	rateLimitResetFlags.register(rateLimitResetCmd, "Reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(rateLimitResetCmd)
}
