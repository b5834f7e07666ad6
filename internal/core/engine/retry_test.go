package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/core"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

type memoryUsageLog struct {
	mu      sync.Mutex
	records []core.UsageRecord
	err     error
}

func (m *memoryUsageLog) LogPlatformAPIUsage(ctx context.Context, record core.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

func newTestRetrier(policy core.RateLimitConfig) (*Retrier, *recordingSleeper, *memoryUsageLog) {
	clock := newTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter, _ := newTestLimiter(policy, clock)
	sleeper := &recordingSleeper{}
	usage := &memoryUsageLog{}
	retrier := NewRetrier(limiter, usage, zap.NewNop())
	retrier.Sleep = sleeper.Sleep
	return retrier, sleeper, usage
}

var roomyPolicy = core.RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute}

func TestExecuteWithRetryRecoversFromServerErrors(t *testing.T) {
	ctx := context.Background()
	retrier, sleeper, usage := newTestRetrier(roomyPolicy)

	_, err := retrier.Limiter.IncrementErrorCount(ctx, "acc1")
	require.NoError(t, err)

	calls := 0
	result, err := ExecuteWithRetry(ctx, retrier, "acc1", core.ActionFetch, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{StatusCode: http.StatusInternalServerError}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)

	count, err := retrier.Limiter.ErrorCount(ctx, "acc1")
	require.NoError(t, err)
	require.Zero(t, count)

	require.Len(t, usage.records, 1)
	require.Equal(t, 3, usage.records[0].Attempts)
	require.Equal(t, core.PlatformDiscord, usage.records[0].Platform)
	require.NotEmpty(t, usage.records[0].ID)
}

func TestExecuteWithRetryFatalErrorFailsFast(t *testing.T) {
	retrier, sleeper, usage := newTestRetrier(roomyPolicy)

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), retrier, "acc1", core.ActionSend, func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusUnauthorized, Message: "bad token"}
	})

	var apiErr *PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.delays)
	require.Empty(t, usage.records)
	require.Equal(t, OutcomeFailed, Classify(err))
}

func TestExecuteWithRetryStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	retrier, sleeper, _ := newTestRetrier(roomyPolicy)

	calls := 0
	_, err := ExecuteWithRetry(ctx, retrier, "acc1", core.ActionFetch, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, &StatusError{StatusCode: http.StatusBadGateway}
	})

	var apiErr *PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Retryable)
	require.Equal(t, MaxRetries, calls)
	require.Len(t, sleeper.delays, MaxRetries-1)

	count, err := retrier.Limiter.ErrorCount(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, MaxRetries-1, count)
}

func TestExecuteWithRetryShortCircuitsWhenLimited(t *testing.T) {
	ctx := context.Background()
	policy := core.RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute}.WithDailyLimit(30)
	retrier, sleeper, _ := newTestRetrier(policy)

	for i := 0; i < 30; i++ {
		_, err := ExecuteWithRetry(ctx, retrier, "acc1", core.ActionSend, func(context.Context) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
	}

	remaining, limited, err := retrier.Limiter.DailyRemaining(ctx, "acc1", core.ActionSend)
	require.NoError(t, err)
	require.True(t, limited)
	require.Zero(t, remaining)

	expectedWait, err := retrier.Limiter.WaitIfNeeded(ctx, "acc1", core.ActionSend)
	require.NoError(t, err)

	called := false
	_, err = ExecuteWithRetry(ctx, retrier, "acc1", core.ActionSend, func(context.Context) (bool, error) {
		called = true
		return true, nil
	})

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.False(t, called)
	require.Equal(t, expectedWait, rlErr.RetryAfter)
	require.Equal(t, core.PlatformDiscord, rlErr.Platform)
	require.Empty(t, sleeper.delays)
	require.Equal(t, OutcomeRateLimited, Classify(err))
}

func TestExecuteWithRetryPropagatesRateLimitFromAction(t *testing.T) {
	retrier, sleeper, _ := newTestRetrier(roomyPolicy)

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), retrier, "acc1", core.ActionFetch, func(context.Context) (string, error) {
		calls++
		return "", fmt.Errorf("bridge: %w", &RateLimitError{Platform: core.PlatformDiscord, RetryAfter: 2 * time.Minute})
	})

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, 2*time.Minute, rlErr.RetryAfter)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.delays)
}

func TestExecuteWithRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retrier, sleeper, _ := newTestRetrier(roomyPolicy)
	sleeper.err = context.Canceled

	calls := 0
	_, err := ExecuteWithRetry(ctx, retrier, "acc1", core.ActionFetch, func(context.Context) (string, error) {
		calls++
		return "", &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	cancel()

	var apiErr *PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	require.Len(t, sleeper.delays, 1)
}

func TestExecuteWithRetryDoesNotRetryAfterParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retrier, sleeper, _ := newTestRetrier(roomyPolicy)

	calls := 0
	_, err := ExecuteWithRetry(ctx, retrier, "acc1", core.ActionFetch, func(context.Context) (string, error) {
		calls++
		cancel()
		return "", context.DeadlineExceeded
	})

	var apiErr *PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.delays)
}

func TestExecuteWithRetryUsageFailureIsSwallowed(t *testing.T) {
	retrier, _, usage := newTestRetrier(roomyPolicy)
	usage.err = errors.New("disk full")

	result, err := ExecuteWithRetry(context.Background(), retrier, "acc1", core.ActionFetch, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestExecuteWithRetryWithoutLimiter(t *testing.T) {
	_, err := ExecuteWithRetry(context.Background(), &Retrier{}, "acc1", core.ActionFetch, func(context.Context) (int, error) {
		return 1, nil
	})

	var apiErr *PlatformAPIError
	require.ErrorAs(t, err, &apiErr)
	require.False(t, apiErr.Retryable)
}

func TestApplyHumanDelay(t *testing.T) {
	policy := core.RateLimitConfig{RequestsPerWindow: 5, Window: time.Second, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	retrier, sleeper, _ := newTestRetrier(policy)

	delay, err := retrier.ApplyHumanDelay(context.Background(), "acc1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, delay, 2*time.Second)
	require.LessOrEqual(t, delay, 5*time.Second)
	require.Equal(t, []time.Duration{delay}, sleeper.delays)

	retrier.Limiter.Policy = core.RateLimitConfig{RequestsPerWindow: 5, Window: time.Second}
	delay, err = retrier.ApplyHumanDelay(context.Background(), "acc1")
	require.NoError(t, err)
	require.Zero(t, delay)
	require.Len(t, sleeper.delays, 1)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
