package platform

import (
	"context"
	"errors"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
)

// Base carries the limiter plumbing adapters share. Adapters embed it and
// route every upstream call through Do.
type Base struct {
	Retrier *engine.Retrier
}

// NewBase wraps retrier.
func NewBase(retrier *engine.Retrier) Base {
	return Base{Retrier: retrier}
}

// Platform returns the platform of the underlying limiter.
func (b Base) Platform() core.Platform {
	return b.Retrier.Platform()
}

// Limiter returns the underlying rate limiter, or nil.
func (b Base) Limiter() *engine.RateLimiter {
	if b.Retrier == nil {
		return nil
	}
	return b.Retrier.Limiter
}

// CheckRateLimit acquires a slot or returns a *engine.RateLimitError.
func (b Base) CheckRateLimit(ctx context.Context, accountID string, action core.ActionType) error {
	return b.Retrier.CheckRateLimit(ctx, accountID, action)
}

// ApplyHumanDelay sleeps inside the platform's delay range.
func (b Base) ApplyHumanDelay(ctx context.Context, accountID string) (time.Duration, error) {
	return b.Retrier.ApplyHumanDelay(ctx, accountID)
}

// DailyRemaining reports remaining sends for today. limited is false when
// the platform has no daily cap.
func (b Base) DailyRemaining(ctx context.Context, accountID string) (remaining int, limited bool, err error) {
	limiter := b.Limiter()
	if limiter == nil {
		return 0, false, errors.New("rate limiter is not configured")
	}
	return limiter.DailyRemaining(ctx, accountID, core.ActionSend)
}

// PauseAccount blocks action for accountID for d.
func (b Base) PauseAccount(ctx context.Context, accountID string, action core.ActionType, d time.Duration) error {
	limiter := b.Limiter()
	if limiter == nil {
		return errors.New("rate limiter is not configured")
	}
	return limiter.PauseRequests(ctx, accountID, d, action)
}

// Do runs fn through the retrier tagged with endpoint. Sends get a human
// delay before each attempt.
func Do[T any](ctx context.Context, b Base, accountID string, action core.ActionType, endpoint string, fn func(context.Context) (T, error)) (T, error) {
	ctx = engine.WithEndpoint(ctx, endpoint)
	return engine.ExecuteWithRetry(ctx, b.Retrier, accountID, action, func(ctx context.Context) (T, error) {
		if action == core.ActionSend {
			if _, err := b.ApplyHumanDelay(ctx, accountID); err != nil {
				var zero T
				return zero, err
			}
		}
		return fn(ctx)
	})
}
