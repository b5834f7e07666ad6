package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/app"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/core/store"
	"github.com/relaypoint/relaypoint/internal/observability"
	"github.com/relaypoint/relaypoint/internal/output"
)

// openBackend opens the configured state backend for a one-shot command.
func openBackend(ctx context.Context) (store.Backend, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return app.OpenBackend(ctx, cfg.Store)
}

// openApp builds the full runtime for commands that need live limiters.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, observability.Component())
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type usagePurger interface {
	PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	storePurgeOlderThan time.Duration
	storePurgeBefore    string
	storePurgeOutput    string
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Maintain the limiter state store",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the state store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver)); driver != "" && driver != "libsql" {
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Store driver %s has no schema to migrate\n", driver)
			return err
		}

		db, err := store.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Store schema is current (%s)\n", storeLocation(cfg.Store))
		return err
	},
}

var storePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired limiter state and old usage records",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(storePurgeOutput)
		if err != nil {
			return err
		}
		cutoff, err := purgeCutoff(time.Now().UTC(), storePurgeBefore, storePurgeOlderThan)
		if err != nil {
			return err
		}

		backend, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		result, err := purgeBackend(cmd.Context(), backend, cutoff)
		if err != nil {
			return err
		}
		return writePurgeResult(cmd.OutOrStdout(), format, result)
	},
}

type purgeResult struct {
	ExpiredKeys  int64      `json:"expired_keys"`
	UsageRecords int64      `json:"usage_records"`
	UsageCutoff  *time.Time `json:"usage_cutoff,omitempty"`
	Supported    bool       `json:"supported"`
}

func purgeBackend(ctx context.Context, backend store.Backend, cutoff time.Time) (purgeResult, error) {
	var result purgeResult
	if p, ok := backend.(expiredPurger); ok {
		result.Supported = true
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return result, err
		}
		result.ExpiredKeys = n
	}
	if p, ok := backend.(usagePurger); ok && !cutoff.IsZero() {
		result.Supported = true
		n, err := p.PurgeUsage(ctx, cutoff)
		if err != nil {
			return result, err
		}
		result.UsageRecords = n
		result.UsageCutoff = &cutoff
	}
	return result, nil
}

// purgeCutoff resolves --before or --older-than into a usage cutoff. Zero
// means usage records are kept.
func purgeCutoff(now time.Time, before string, olderThan time.Duration) (time.Time, error) {
	before = strings.TrimSpace(before)
	if before != "" && olderThan > 0 {
		return time.Time{}, errors.New("--before and --older-than are mutually exclusive")
	}
	if before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return time.Time{}, fmt.Errorf("--before must be RFC3339: %w", err)
		}
		return t.UTC(), nil
	}
	if olderThan < 0 {
		return time.Time{}, errors.New("--older-than must be positive")
	}
	if olderThan > 0 {
		return now.Add(-olderThan), nil
	}
	return time.Time{}, nil
}

func writePurgeResult(w io.Writer, format output.Format, result purgeResult) error {
	if format == output.FormatJSON || format == output.FormatYAML {
		rendered, err := output.Render(format, result, output.Table{})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, rendered)
		return err
	}
	if !result.Supported {
		_, err := fmt.Fprintln(w, "Store expires keys on its own; nothing to purge")
		return err
	}
	_, err := fmt.Fprintf(w, "Purged %d expired key(s) and %d usage record(s)\n", result.ExpiredKeys, result.UsageRecords)
	return err
}

func storeLocation(cfg config.StoreConfig) string {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		return url
	}
	return cfg.Path
}

func init() {
	storePurgeCmd.Flags().DurationVar(&storePurgeOlderThan, "older-than", 0, "Delete usage records older than this duration (e.g. 720h)")
	storePurgeCmd.Flags().StringVar(&storePurgeBefore, "before", "", "Delete usage records recorded before this RFC3339 time")
	storePurgeCmd.Flags().StringVar(&storePurgeOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")

	storeCmd.AddCommand(storeMigrateCmd)
	storeCmd.AddCommand(storePurgeCmd)
	rootCmd.AddCommand(storeCmd)
}
