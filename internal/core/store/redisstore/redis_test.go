package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/core/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	s := New(client, "relaypoint:")
	t.Cleanup(func() { _ = s.Close() })
	return s, server
}

func TestOpen(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	s, err := Open(context.Background(), config.RedisConfig{Addr: server.Addr(), KeyPrefix: "rp:"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), config.RedisConfig{})
	require.Error(t, err)
}

func TestLimiterStateTTL(t *testing.T) {
	ctx := context.Background()
	s, server := newTestStore(t)

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	key := engine.LimiterKey(core.PlatformLinkedIn, core.ActionSend, "acc1")
	require.NoError(t, s.PutLimiterState(ctx, key, &core.LimiterState{
		RequestTimestamps: []time.Time{now},
		DailyCount:        4,
		DailyResetAt:      now.Add(time.Hour),
	}, time.Minute))

	require.True(t, server.Exists("relaypoint:"+key))
	require.Equal(t, time.Minute, server.TTL("relaypoint:"+key))

	state, err := s.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 4, state.DailyCount)
	require.True(t, state.RequestTimestamps[0].Equal(now))

	server.FastForward(time.Minute)
	state, err = s.GetLimiterState(ctx, key)
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestErrorCount(t *testing.T) {
	ctx := context.Background()
	s, server := newTestStore(t)

	key := engine.ErrorKey(core.PlatformDiscord, "acc1")
	count, err := s.GetErrorCount(ctx, key)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, s.PutErrorCount(ctx, key, 3, time.Hour))
	count, err = s.GetErrorCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	require.NoError(t, server.Set("relaypoint:"+key, "not-a-number"))
	_, err = s.GetErrorCount(ctx, key)
	require.Error(t, err)
}

func TestListAndReset(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.PutLimiterState(ctx, "discord:fetch:acc1", &core.LimiterState{}, time.Hour))
	require.NoError(t, s.PutLimiterState(ctx, "discord:send:acc1", &core.LimiterState{DailyCount: 9}, time.Hour))
	require.NoError(t, s.PutLimiterState(ctx, "teams:fetch:acc2", &core.LimiterState{}, time.Hour))
	require.NoError(t, s.PutErrorCount(ctx, "discord:errors:acc1", 2, time.Hour))
	require.NoError(t, s.LogPlatformAPIUsage(ctx, core.UsageRecord{Platform: core.PlatformDiscord, AccountID: "acc1"}))

	entries, err := s.ListLimiterStates(ctx, store.LimiterQuery{All: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "discord:fetch:acc1", entries[0].Key)
	require.Equal(t, 2, entries[0].ErrorCount)
	require.Equal(t, 9, entries[1].State.DailyCount)
	require.Equal(t, core.PlatformTeams, entries[2].Platform)
	require.False(t, entries[2].ExpiresAt.IsZero())

	_, err = s.ResetLimiterStates(ctx, store.LimiterQuery{})
	require.Error(t, err)

	removed, err := s.ResetLimiterStates(ctx, store.LimiterQuery{Platform: "discord"})
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	entries, err = s.ListLimiterStates(ctx, store.LimiterQuery{All: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	records, err := s.ListUsage(ctx, store.UsageQuery{})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestUsageCapped(t *testing.T) {
	ctx := context.Background()
	s, server := newTestStore(t)

	base := time.Date(2024, time.June, 23, 10, 0, 0, 0, time.UTC)
	for i := 0; i < usageCapacity+10; i++ {
		require.NoError(t, s.LogPlatformAPIUsage(ctx, core.UsageRecord{
			Platform:   core.PlatformGmail,
			AccountID:  "acc1",
			Attempts:   i,
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := server.List("relaypoint:" + usageKey)
	require.NoError(t, err)
	require.Len(t, list, usageCapacity)

	records, err := s.ListUsage(ctx, store.UsageQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, usageCapacity+9, records[0].Attempts)
	require.NotEmpty(t, records[0].ID)

	since, err := s.ListUsage(ctx, store.UsageQuery{Since: base.Add(time.Duration(usageCapacity+8) * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 2)
}

func TestSharedQuotaAcrossLimiters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	policy := core.RateLimitConfig{RequestsPerWindow: 4, Window: time.Minute}

	// Two limiters on one store behave like two processes sharing a quota.
	first := engine.NewRateLimiter(core.PlatformTeams, policy, s)
	second := engine.NewRateLimiter(core.PlatformTeams, policy, s)

	granted := 0
	for _, limiter := range []*engine.RateLimiter{first, second, first, second, first, second} {
		allowed, err := limiter.Acquire(ctx, "acc1", core.ActionFetch)
		require.NoError(t, err)
		if allowed {
			granted++
		}
	}
	require.Equal(t, 4, granted)
}

func TestConcurrentAcquireSingleLimiter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	limiter := engine.NewRateLimiter(core.PlatformDiscord, core.RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute}, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := limiter.Acquire(ctx, "acc1", core.ActionFetch)
			if err == nil && allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, granted)
}

func TestConcurrentAcquireAcrossLimiters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	policy := core.RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute}

	// Each goroutine owns its limiter, as separate processes would.
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		failed  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter := engine.NewRateLimiter(core.PlatformDiscord, policy, s)
			allowed, err := limiter.Acquire(ctx, "acc1", core.ActionFetch)
			if err != nil {
				failed.Add(1)
				return
			}
			if allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	require.Equal(t, int32(5), granted.Load())

	state, err := s.GetLimiterState(ctx, engine.LimiterKey(core.PlatformDiscord, core.ActionFetch, "acc1"))
	require.NoError(t, err)
	require.Len(t, state.RequestTimestamps, 5)
	require.Equal(t, 5, state.DailyCount)
}

func TestUpdateLimiterStateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	calls := 0
	err := s.UpdateLimiterState(ctx, "teams:send:acc1", func(current *core.LimiterState) (*core.LimiterState, time.Duration, error) {
		calls++
		if calls == 1 {
			require.Nil(t, current)
			// A competing writer lands between WATCH and EXEC.
			require.NoError(t, s.PutLimiterState(ctx, "teams:send:acc1", &core.LimiterState{DailyCount: 7}, time.Minute))
			return &core.LimiterState{DailyCount: 1}, time.Minute, nil
		}
		require.NotNil(t, current)
		next := current.Clone()
		next.DailyCount++
		return next, time.Minute, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	state, err := s.GetLimiterState(ctx, "teams:send:acc1")
	require.NoError(t, err)
	require.Equal(t, 8, state.DailyCount)
}
