//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
)

func TestOpenMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{
		Driver: "libsql",
		Path:   ":memory:",
	}

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Close())
}

func openTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: "file:" + t.TempDir() + "/relaypoint.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	store.Clock = func() time.Time { return *now }
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestLimiterStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	key := engine.LimiterKey(core.PlatformTwitter, core.ActionSend, "acc1")
	missing, err := store.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.Nil(t, missing)

	paused := now.Add(time.Minute)
	state := &core.LimiterState{
		RequestTimestamps: []time.Time{now.Add(-time.Second), now},
		DailyCount:        7,
		DailyResetAt:      time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		PausedUntil:       &paused,
	}
	require.NoError(t, store.PutLimiterState(ctx, key, state, time.Hour))

	loaded, err := store.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, 7, loaded.DailyCount)
	require.Len(t, loaded.RequestTimestamps, 2)
	require.True(t, loaded.RequestTimestamps[1].Equal(now))
	require.NotNil(t, loaded.PausedUntil)
	require.True(t, loaded.PausedUntil.Equal(paused))

	now = now.Add(2 * time.Hour)
	expired, err := store.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.Nil(t, expired)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestErrorCountRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	key := engine.ErrorKey(core.PlatformGmail, "me@example.com")
	count, err := store.GetErrorCount(ctx, key)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, store.PutErrorCount(ctx, key, 2, time.Hour))
	count, err = store.GetErrorCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Error(t, store.PutErrorCount(ctx, "malformed", 1, time.Hour))
}

func TestLimiterAdmin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	for _, key := range []string{
		engine.LimiterKey(core.PlatformDiscord, core.ActionFetch, "acc1"),
		engine.LimiterKey(core.PlatformDiscord, core.ActionSend, "acc1"),
		engine.LimiterKey(core.PlatformTeams, core.ActionFetch, "acc2"),
	} {
		require.NoError(t, store.PutLimiterState(ctx, key, &core.LimiterState{DailyCount: 1}, time.Hour))
	}
	require.NoError(t, store.PutErrorCount(ctx, engine.ErrorKey(core.PlatformDiscord, "acc1"), 4, time.Hour))

	entries, err := store.ListLimiterStates(ctx, LimiterQuery{Platform: "discord"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "discord:fetch:acc1", entries[0].Key)
	require.Equal(t, core.ActionFetch, entries[0].Action)
	require.Equal(t, 4, entries[0].ErrorCount)

	count, err := store.CountLimiterStates(ctx, LimiterQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	_, err = store.ListLimiterStates(ctx, LimiterQuery{})
	require.Error(t, err)

	removed, err := store.ResetLimiterStates(ctx, LimiterQuery{Platform: "discord", AccountID: "acc1"})
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	count, err = store.CountLimiterStates(ctx, LimiterQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestUsageLog(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.LogPlatformAPIUsage(ctx, core.UsageRecord{
			Platform:   core.PlatformLinkedIn,
			AccountID:  "acc1",
			Action:     core.ActionSend,
			Attempts:   i + 1,
			Duration:   time.Duration(i+1) * 100 * time.Millisecond,
			RecordedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.LogPlatformAPIUsage(ctx, core.UsageRecord{
		Platform:  core.PlatformTelegram,
		AccountID: "bot",
		Action:    core.ActionFetch,
		Endpoint:  "getUpdates",
		Attempts:  1,
	}))

	records, err := store.ListUsage(ctx, UsageQuery{Platform: "linkedin"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 3, records[0].Attempts)
	require.Equal(t, 300*time.Millisecond, records[0].Duration)
	require.NotEmpty(t, records[0].ID)

	records, err = store.ListUsage(ctx, UsageQuery{Since: now.Add(90 * time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)

	telegram, err := store.ListUsage(ctx, UsageQuery{AccountID: "bot"})
	require.NoError(t, err)
	require.Len(t, telegram, 1)
	require.Equal(t, "getUpdates", telegram[0].Endpoint)

	purged, err := store.PurgeUsage(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)
}

func TestStoreBacksRateLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	limiter := engine.NewRateLimiter(core.PlatformDiscord, core.RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute}, store)
	limiter.Clock = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Acquire(ctx, "acc1", core.ActionFetch)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := limiter.Acquire(ctx, "acc1", core.ActionFetch)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestLocalStoreSettingsAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	key := engine.LimiterKey(core.PlatformDiscord, core.ActionFetch, "acc1")
	state := &core.LimiterState{RequestTimestamps: []time.Time{now}, DailyResetAt: now.Add(12 * time.Hour)}
	require.NoError(t, store.PutLimiterState(ctx, key, state, time.Minute))

	now = now.Add(2 * time.Minute)
	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	got, err := store.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.Nil(t, got)
}
