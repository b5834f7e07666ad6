package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/core/store"
)

// LimiterEntries renders persisted limiter keys.
func LimiterEntries(format Format, entries []store.LimiterEntry) (string, error) {
	tbl := Table{
		Title:  "Limiter State",
		Header: table.Row{"Platform", "Action", "Account", "Window", "Daily", "Paused Until", "Errors", "Expires"},
		Empty:  "(no stored limiter state)",
	}
	for _, e := range entries {
		tbl.Rows = append(tbl.Rows, table.Row{
			string(e.Platform),
			string(e.Action),
			e.AccountID,
			len(e.State.RequestTimestamps),
			e.State.DailyCount,
			timestamp(e.State.PausedUntil),
			e.ErrorCount,
			e.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	if len(entries) > 0 {
		tbl.Footer = table.Row{"", "", "", "", "", "", "", fmt.Sprintf("%d key(s)", len(entries))}
	}
	if entries == nil {
		entries = []store.LimiterEntry{}
	}
	return Render(format, entries, tbl)
}

// Statuses renders live limiter status for one or more keys.
func Statuses(format Format, statuses []engine.Status) (string, error) {
	tbl := Table{
		Title:  "Rate Limits",
		Header: table.Row{"Platform", "Action", "Account", "Window", "Daily", "Resets", "Paused Until", "Errors", "Retry After"},
		Empty:  "(no limiter status)",
	}
	for _, s := range statuses {
		daily := strconv.Itoa(s.DailyCount)
		if s.DailyLimit != nil {
			daily = fmt.Sprintf("%d/%d", s.DailyCount, *s.DailyLimit)
		}
		tbl.Rows = append(tbl.Rows, table.Row{
			string(s.Platform),
			string(s.Action),
			s.AccountID,
			fmt.Sprintf("%d/%d per %s", s.WindowUsed, s.WindowLimit, s.Window),
			daily,
			s.DailyResetAt.UTC().Format(time.RFC3339),
			timestamp(s.PausedUntil),
			s.ErrorCount,
			waitLabel(s.RetryAfter),
		})
	}
	return Render(format, statuses, tbl)
}

// PolicyRow is one platform's effective quota.
type PolicyRow struct {
	Platform          core.Platform `json:"platform"`
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            string        `json:"window"`
	MinDelay          string        `json:"min_delay"`
	MaxDelay          string        `json:"max_delay"`
	DailyLimit        *int          `json:"daily_limit,omitempty"`
	Adapter           bool          `json:"adapter"`
}

// Policies renders platform quotas.
func Policies(format Format, rows []PolicyRow) (string, error) {
	tbl := Table{
		Title:  "Platform Policies",
		Header: table.Row{"Platform", "Requests", "Window", "Delay", "Daily Sends", "Adapter"},
	}
	for _, r := range rows {
		daily := "unlimited"
		if r.DailyLimit != nil {
			daily = strconv.Itoa(*r.DailyLimit)
		}
		adapter := "-"
		if r.Adapter {
			adapter = "yes"
		}
		tbl.Rows = append(tbl.Rows, table.Row{
			string(r.Platform),
			r.RequestsPerWindow,
			r.Window,
			r.MinDelay + " - " + r.MaxDelay,
			daily,
			adapter,
		})
	}
	return Render(format, rows, tbl)
}

// Usage renders usage log records.
func Usage(format Format, records []core.UsageRecord) (string, error) {
	tbl := Table{
		Title:  "Platform API Usage",
		Header: table.Row{"Recorded", "Platform", "Action", "Account", "Endpoint", "Attempts", "Duration"},
		Empty:  "(no usage recorded)",
	}
	attempts := 0
	for _, r := range records {
		attempts += r.Attempts
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		tbl.Rows = append(tbl.Rows, table.Row{
			r.RecordedAt.UTC().Format(time.RFC3339),
			string(r.Platform),
			string(r.Action),
			r.AccountID,
			endpoint,
			r.Attempts,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	if len(records) > 0 {
		tbl.Footer = table.Row{"", "", "", "", fmt.Sprintf("%d call(s)", len(records)), attempts, ""}
	}
	if records == nil {
		records = []core.UsageRecord{}
	}
	return Render(format, records, tbl)
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func waitLabel(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	return d.Round(time.Second).String()
}
