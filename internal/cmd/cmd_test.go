package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	errwrap "github.com/relaypoint/relaypoint/internal/errors"
	"github.com/relaypoint/relaypoint/internal/output"
)

const memoryConfig = `
store:
  driver: memory
rate_limits:
  linkedin:
    daily_limit: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// run executes the root command against a memory-backed config. Flag values
// persist between runs, so callers pass every flag they rely on.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", writeConfig(t, memoryConfig)}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPlatformsCommandAppliesOverrides(t *testing.T) {
	out, err := run(t, "platforms", "--output-format", "json")
	require.NoError(t, err)

	var rows []output.PolicyRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, len(core.KnownPlatforms))

	for _, row := range rows {
		if row.Platform == core.PlatformLinkedIn {
			require.NotNil(t, row.DailyLimit)
			require.Equal(t, 5, *row.DailyLimit)
			require.False(t, row.Adapter)
		}
	}
}

func TestRateLimitStatusCommand(t *testing.T) {
	out, err := run(t, "rate-limit", "status", "--platform", "discord", "--account", "acc1", "--action", "send", "--output-format", "json")
	require.NoError(t, err)

	var statuses []engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, core.ActionSend, statuses[0].Action)
	require.Equal(t, 5, statuses[0].WindowLimit)
	require.Zero(t, statuses[0].WindowUsed)
}

func TestRateLimitStatusRequiresAccount(t *testing.T) {
	_, err := run(t, "rate-limit", "status", "--platform", "discord", "--account", "", "--action", "", "--output-format", "table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--platform and --account are required")
}

func TestRateLimitPauseCommand(t *testing.T) {
	out, err := run(t, "rate-limit", "pause", "--platform", "twitter", "--account", "acc9", "--action", "fetch", "--duration", "10m", "--output-format", "json")
	require.NoError(t, err)

	var statuses []engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].PausedUntil)
	require.Greater(t, statuses[0].RetryAfter, 9*time.Minute)
}

func TestRateLimitResetGuardsAll(t *testing.T) {
	_, err := run(t, "rate-limit", "reset", "--all", "--output-format", "table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--all requires --yes")

	out, err := run(t, "rate-limit", "reset", "--all", "--dry-run", "--output-format", "json")
	require.NoError(t, err)
	require.Contains(t, out, `"dry_run": true`)
	require.Contains(t, out, `"matched": 0`)
}

func TestUsageAndStoreCommands(t *testing.T) {
	out, err := run(t, "usage", "list", "--output-format", "table", "--limit", "10")
	require.NoError(t, err)
	require.Contains(t, out, "(no usage recorded)")

	out, err = run(t, "store", "purge", "--older-than", "720h", "--output-format", "table")
	require.NoError(t, err)
	require.Contains(t, out, "Purged 0 expired key(s)")

	out, err = run(t, "store", "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "no schema to migrate")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2025-01-01")
	t.Cleanup(func() { SetVersionInfo("", "", "") })

	out, err := run(t, "version", "--extended=false")
	require.NoError(t, err)
	require.Equal(t, "relaypoint 1.2.3\n", out)

	out, err = run(t, "version", "--extended")
	require.NoError(t, err)
	require.Contains(t, out, "Commit: abc123")
}

func TestRateLimitListWritesToOutDir(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "rate-limit", "list", "--output-format", "yaml", "--out-dir", dir)
	require.NoError(t, err)
	require.Empty(t, out)

	data, err := os.ReadFile(filepath.Join(dir, "rate-limit.list.yaml"))
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(data))
}

func TestPurgeCutoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cutoff, err := purgeCutoff(now, "", 0)
	require.NoError(t, err)
	require.True(t, cutoff.IsZero())

	cutoff, err = purgeCutoff(now, "", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, now.Add(-24*time.Hour), cutoff)

	cutoff, err = purgeCutoff(now, "2025-02-01T00:00:00Z", 0)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), cutoff)

	_, err = purgeCutoff(now, "2025-02-01T00:00:00Z", time.Hour)
	require.Error(t, err)
	_, err = purgeCutoff(now, "yesterday", 0)
	require.Error(t, err)
}

func TestParseActions(t *testing.T) {
	actions, err := parseActions("")
	require.NoError(t, err)
	require.Equal(t, []core.ActionType{core.ActionFetch, core.ActionSend}, actions)

	actions, err = parseActions(" SEND ")
	require.NoError(t, err)
	require.Equal(t, []core.ActionType{core.ActionSend}, actions)

	_, err = parseActions("delete")
	require.Error(t, err)
}

func TestLimiterQueryFlags(t *testing.T) {
	f := limiterQueryFlags{platform: " X ", account: " acc1 "}
	q := f.query()
	require.Equal(t, "twitter", q.Platform)
	require.Equal(t, "acc1", q.AccountID)
	require.NoError(t, q.Validate())

	require.Error(t, limiterQueryFlags{}.query().Validate())
}

func TestWriteRateLimitResetResultTable(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, writeRateLimitResetResult(output.FormatTable, &b, 2, 3, false))
	require.Contains(t, b.String(), "Deleted 3 stored key(s); 2 limiter key(s) matched")

	b.Reset()
	require.NoError(t, writeRateLimitResetResult(output.FormatTable, &b, 2, 0, true))
	require.Contains(t, b.String(), "Would delete 2 limiter key(s)")
}

func TestExitCodeFor(t *testing.T) {
	require.Equal(t, foundry.ExitFailure, ExitCodeFor(errors.New("boom")))
	require.Equal(t, foundry.ExitFileNotFound, ExitCodeFor(fmt.Errorf("open: %w", fs.ErrNotExist)))
	require.Equal(t, foundry.ExitConfigInvalid, ExitCodeFor(errwrap.NewConfigInvalidError("bad")))
	require.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCodeFor(errwrap.WrapStoreError(context.Background(), errors.New("down"), "store")))
}

func TestOutputHelpers(t *testing.T) {
	require.Equal(t, "yaml", outputExtension(output.FormatYAML))
	require.Equal(t, "md", outputExtension(output.FormatMarkdown))
	require.Equal(t, "txt", outputExtension(output.FormatTable))
	require.Equal(t, "rate-limit.status.discord.acc-1", sanitizeFilename("rate-limit.status.discord.ACC 1"))
	require.Equal(t, "output", sanitizeFilename("  "))
}
