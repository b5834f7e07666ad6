package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/observability"
)

// MaxRetries is the total number of attempts for one wrapped operation.
const MaxRetries = 3

// UsageLogger receives an audit record for every successful call.
type UsageLogger interface {
	LogPlatformAPIUsage(ctx context.Context, record core.UsageRecord) error
}

type endpointKey struct{}

// WithEndpoint tags ctx with the upstream endpoint recorded in usage rows.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, endpointKey{}, endpoint)
}

// EndpointFrom returns the endpoint set by WithEndpoint.
func EndpointFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	endpoint, _ := ctx.Value(endpointKey{}).(string)
	return endpoint
}

// Retrier drives wrapped platform operations through the limiter with
// bounded exponential backoff.
type Retrier struct {
	Limiter *RateLimiter
	Usage   UsageLogger
	Logger  observability.Logger
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier wires a retrier around limiter.
func NewRetrier(limiter *RateLimiter, usage UsageLogger, logger observability.Logger) *Retrier {
	return &Retrier{
		Limiter: limiter,
		Usage:   usage,
		Logger:  logger,
	}
}

// Platform returns the platform the retrier's limiter serves.
func (r *Retrier) Platform() core.Platform {
	if r == nil || r.Limiter == nil {
		return ""
	}
	return r.Limiter.Platform
}

// CheckRateLimit acquires a slot or returns a *RateLimitError carrying the
// advisory wait. Store failures surface as a non-retryable *PlatformAPIError.
func (r *Retrier) CheckRateLimit(ctx context.Context, accountID string, action core.ActionType) error {
	platform := r.Platform()
	if r == nil || r.Limiter == nil {
		return NewPlatformAPIError(platform, errors.New("rate limiter is not configured"), false)
	}

	allowed, err := r.Limiter.Acquire(ctx, accountID, action)
	if err != nil {
		return NewPlatformAPIError(platform, err, false)
	}
	if allowed {
		return nil
	}

	wait, err := r.Limiter.WaitIfNeeded(ctx, accountID, action)
	if err != nil {
		r.logger().Warn("Failed to compute rate limit wait",
			zap.String("platform", string(platform)),
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	r.logger().Debug("Rate limit reached",
		zap.String("platform", string(platform)),
		zap.String("account_id", accountID),
		zap.String("action", string(action)),
		zap.Duration("retry_after", wait))

	return &RateLimitError{
		Platform:   platform,
		AccountID:  accountID,
		Action:     action,
		RetryAfter: wait,
	}
}

// ApplyHumanDelay sleeps for a random duration inside the policy's delay
// range and returns it. Policies without a delay return immediately.
func (r *Retrier) ApplyHumanDelay(ctx context.Context, accountID string) (time.Duration, error) {
	if r == nil || r.Limiter == nil || !r.Limiter.Policy.HasDelay() {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	delay := r.Limiter.RandomDelay(r.Limiter.Policy.MinDelay, r.Limiter.Policy.MaxDelay)
	r.logger().Debug("Applying human delay",
		zap.String("platform", string(r.Platform())),
		zap.String("account_id", accountID),
		zap.Duration("delay", delay))

	if err := r.sleep(ctx, delay); err != nil {
		return 0, err
	}
	metrics.RecordHumanDelay(string(r.Platform()), delay)
	return delay, nil
}

// ExecuteWithRetry runs fn under the limiter. The result is exactly one of:
// fn's value, a *RateLimitError, or a *PlatformAPIError.
func ExecuteWithRetry[T any](ctx context.Context, r *Retrier, accountID string, action core.ActionType, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	platform := r.Platform()
	if fn == nil {
		return zero, NewPlatformAPIError(platform, errors.New("operation is required"), false)
	}

	start := time.Now()
	attempts := MaxRetries
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := r.CheckRateLimit(ctx, accountID, action); err != nil {
			r.recordCall(platform, action, err, start)
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			r.onSuccess(ctx, accountID, action, attempt+1, start)
			metrics.RecordCall(string(platform), string(action), OutcomeSuccess.String(), time.Since(start))
			return result, nil
		}

		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			r.recordCall(platform, action, rlErr, start)
			return zero, rlErr
		}

		lastErr = err
		retryable := IsRetryableError(err) && ctx.Err() == nil
		metrics.RecordPlatformError(string(platform), retryable)

		if !retryable || attempt == attempts-1 {
			r.logger().Warn("Platform call failed",
				zap.String("platform", string(platform)),
				zap.String("account_id", accountID),
				zap.String("action", string(action)),
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", retryable),
				zap.Error(err))
			apiErr := NewPlatformAPIError(platform, err, retryable)
			r.recordCall(platform, action, apiErr, start)
			return zero, apiErr
		}

		count, countErr := r.Limiter.IncrementErrorCount(ctx, accountID)
		if countErr != nil {
			r.logger().Warn("Failed to record error count",
				zap.String("platform", string(platform)),
				zap.String("account_id", accountID),
				zap.Error(countErr))
		}

		delay := r.Limiter.ExponentialBackoff(attempt)
		r.logger().Info("Retrying platform call",
			zap.String("platform", string(platform)),
			zap.String("account_id", accountID),
			zap.String("action", string(action)),
			zap.Int("attempt", attempt+1),
			zap.Int("error_count", count),
			zap.Duration("backoff", delay),
			zap.Error(err))
		metrics.RecordRetry(string(platform), string(action))

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			apiErr := NewPlatformAPIError(platform, errors.Join(err, sleepErr), false)
			r.recordCall(platform, action, apiErr, start)
			return zero, apiErr
		}
	}

	apiErr := NewPlatformAPIError(platform, lastErr, IsRetryableError(lastErr))
	r.recordCall(platform, action, apiErr, start)
	return zero, apiErr
}

func (r *Retrier) onSuccess(ctx context.Context, accountID string, action core.ActionType, attempts int, start time.Time) {
	platform := r.Platform()

	if r.Usage != nil {
		record := core.UsageRecord{
			ID:         uuid.NewString(),
			Platform:   platform,
			AccountID:  accountID,
			Action:     action,
			Endpoint:   EndpointFrom(ctx),
			Attempts:   attempts,
			Duration:   time.Since(start),
			RecordedAt: r.Limiter.now(),
		}
		if err := r.Usage.LogPlatformAPIUsage(ctx, record); err != nil {
			r.logger().Warn("Failed to log platform API usage",
				zap.String("platform", string(platform)),
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}

	if err := r.Limiter.ResetErrorCount(ctx, accountID); err != nil {
		r.logger().Warn("Failed to reset error count",
			zap.String("platform", string(platform)),
			zap.String("account_id", accountID),
			zap.Error(err))
	}
}

func (r *Retrier) recordCall(platform core.Platform, action core.ActionType, err error, start time.Time) {
	metrics.RecordCall(string(platform), string(action), Classify(err).String(), time.Since(start))
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r != nil && r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (r *Retrier) logger() observability.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return observability.NopLogger()
}
