package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/metrics"
)

const (
	// DefaultBaseBackoff is the first retry delay.
	DefaultBaseBackoff = time.Second
	// DefaultMaxBackoff caps exponential growth.
	DefaultMaxBackoff = 60 * time.Second
	// DefaultErrorTTL bounds how long an idle error counter survives.
	DefaultErrorTTL = time.Hour
)

// StateStore persists limiter state and error counters. Implementations must
// be safe for concurrent use. GetLimiterState returns a copy the caller owns
// (nil when absent) and PutLimiterState must not retain its argument.
type StateStore interface {
	GetLimiterState(ctx context.Context, key string) (*core.LimiterState, error)
	PutLimiterState(ctx context.Context, key string, state *core.LimiterState, ttl time.Duration) error
	GetErrorCount(ctx context.Context, key string) (int, error)
	PutErrorCount(ctx context.Context, key string, count int, ttl time.Duration) error
}

// StateUpdater is implemented by stores that can read-modify-write one
// limiter key atomically, even against writers in other processes. update
// receives the stored state (nil when absent) and may run more than once.
type StateUpdater interface {
	UpdateLimiterState(ctx context.Context, key string, update func(*core.LimiterState) (*core.LimiterState, time.Duration, error)) error
}

// RateLimiter enforces one platform's policy for every account and action.
// It never blocks; callers decide whether to wait or give up.
type RateLimiter struct {
	Store    StateStore
	Platform core.Platform
	Policy   core.RateLimitConfig
	Clock    func() time.Time
	// Location decides where "midnight" is for daily counters. Nil means UTC.
	Location    *time.Location
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ErrorTTL    time.Duration
	Margin      float64
	// Int64N returns a uniform value in [0, n). Nil uses math/rand/v2.
	Int64N func(n int64) int64

	locks keyLock
}

// NewRateLimiter builds a limiter with default backoff settings.
func NewRateLimiter(platform core.Platform, policy core.RateLimitConfig, store StateStore) *RateLimiter {
	return &RateLimiter{
		Store:       store,
		Platform:    platform,
		Policy:      policy,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		ErrorTTL:    DefaultErrorTTL,
	}
}

// Status is a point-in-time view of one limiter key.
type Status struct {
	Platform       core.Platform   `json:"platform"`
	AccountID      string          `json:"account_id"`
	Action         core.ActionType `json:"action"`
	WindowUsed     int             `json:"window_used"`
	WindowLimit    int             `json:"window_limit"`
	Window         time.Duration   `json:"window"`
	DailyCount     int             `json:"daily_count"`
	DailyLimit     *int            `json:"daily_limit,omitempty"`
	DailyRemaining *int            `json:"daily_remaining,omitempty"`
	DailyResetAt   time.Time       `json:"daily_reset_at"`
	PausedUntil    *time.Time      `json:"paused_until,omitempty"`
	ErrorCount     int             `json:"error_count"`
	RetryAfter     time.Duration   `json:"retry_after"`
}

// LimiterKey names the state entry for one account and action.
func LimiterKey(platform core.Platform, action core.ActionType, accountID string) string {
	return fmt.Sprintf("%s:%s:%s", platform, action, accountID)
}

// ErrorKey names the consecutive-error counter for one account.
func ErrorKey(platform core.Platform, accountID string) string {
	return fmt.Sprintf("%s:errors:%s", platform, accountID)
}

// Acquire claims a slot for the action. It returns false without recording
// anything when the key is paused, the window is full, or the daily cap is
// spent.
func (r *RateLimiter) Acquire(ctx context.Context, accountID string, action core.ActionType) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := r.key(action, accountID)
	if err != nil {
		return false, err
	}
	unlock := r.locks.lock(key)
	defer unlock()

	now := r.now()
	var allowed bool
	err = r.modify(ctx, key, now, func(state *core.LimiterState) {
		allowed = r.admit(state, action, now)
		if allowed {
			state.RequestTimestamps = append(state.RequestTimestamps, now)
			state.DailyCount++
		}
	})
	if err != nil {
		return false, err
	}

	metrics.RecordAcquire(string(r.Platform), string(action), allowed)
	return allowed, nil
}

// WaitIfNeeded reports how long until Acquire could succeed. It never
// mutates state.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, accountID string, action core.ActionType) (time.Duration, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := r.key(action, accountID)
	if err != nil {
		return 0, err
	}
	now := r.now()
	state, err := r.load(ctx, key, now)
	if err != nil {
		return 0, err
	}
	return r.wait(state, action, now), nil
}

// PauseRequests blocks the key until now+d. A non-positive duration clears
// any pause.
func (r *RateLimiter) PauseRequests(ctx context.Context, accountID string, d time.Duration, action core.ActionType) error {
	if err := r.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := r.key(action, accountID)
	if err != nil {
		return err
	}
	unlock := r.locks.lock(key)
	defer unlock()

	now := r.now()
	err = r.modify(ctx, key, now, func(state *core.LimiterState) {
		if d > 0 {
			until := now.Add(d)
			state.PausedUntil = &until
		} else {
			state.PausedUntil = nil
		}
	})
	if err != nil {
		return err
	}
	if d > 0 {
		metrics.RecordPause(string(r.Platform), string(action))
	}
	return nil
}

// IncrementErrorCount bumps the consecutive-error counter and returns the new
// value.
func (r *RateLimiter) IncrementErrorCount(ctx context.Context, accountID string) (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := ErrorKey(r.Platform, accountID)
	unlock := r.locks.lock(key)
	defer unlock()

	count, err := r.Store.GetErrorCount(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load error count %s: %w", key, err)
	}
	count++
	if err := r.Store.PutErrorCount(ctx, key, count, r.errorTTL()); err != nil {
		return 0, fmt.Errorf("save error count %s: %w", key, err)
	}
	return count, nil
}

// ResetErrorCount sets the counter back to zero.
func (r *RateLimiter) ResetErrorCount(ctx context.Context, accountID string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := ErrorKey(r.Platform, accountID)
	unlock := r.locks.lock(key)
	defer unlock()

	if err := r.Store.PutErrorCount(ctx, key, 0, r.errorTTL()); err != nil {
		return fmt.Errorf("reset error count %s: %w", key, err)
	}
	return nil
}

// ErrorCount returns the current consecutive-error counter.
func (r *RateLimiter) ErrorCount(ctx context.Context, accountID string) (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := ErrorKey(r.Platform, accountID)
	count, err := r.Store.GetErrorCount(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load error count %s: %w", key, err)
	}
	return count, nil
}

// BackoffCap returns the longest delay ExponentialBackoff yields.
func (r *RateLimiter) BackoffCap() time.Duration {
	if r != nil && r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return DefaultMaxBackoff
}

// ExponentialBackoff returns BaseBackoff * 2^attempt capped at MaxBackoff.
func (r *RateLimiter) ExponentialBackoff(attempt int) time.Duration {
	base, maxBackoff := DefaultBaseBackoff, r.BackoffCap()
	if r != nil && r.BaseBackoff > 0 {
		base = r.BaseBackoff
	}
	if attempt < 0 {
		attempt = 0
	}

	seconds := base.Seconds() * math.Pow(2, float64(attempt))
	if seconds >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// RandomDelay returns a uniform duration in [minDelay, maxDelay].
func (r *RateLimiter) RandomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay <= minDelay {
		return minDelay
	}
	span := int64(maxDelay-minDelay) + 1
	return minDelay + time.Duration(r.int64N(span))
}

// DailyRemaining returns the unused daily quota. limited is false when the
// action has no daily cap.
func (r *RateLimiter) DailyRemaining(ctx context.Context, accountID string, action core.ActionType) (int, bool, error) {
	if err := r.ready(); err != nil {
		return 0, false, err
	}
	limit, capped := r.dailyLimit(action)
	if !capped {
		return 0, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := r.key(action, accountID)
	if err != nil {
		return 0, true, err
	}
	state, err := r.load(ctx, key, r.now())
	if err != nil {
		return 0, true, err
	}
	return max(limit-state.DailyCount, 0), true, nil
}

// Status reports window usage, daily usage, pause and error count for a key.
func (r *RateLimiter) Status(ctx context.Context, accountID string, action core.ActionType) (Status, error) {
	if err := r.ready(); err != nil {
		return Status{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := r.key(action, accountID)
	if err != nil {
		return Status{}, err
	}
	now := r.now()
	state, err := r.load(ctx, key, now)
	if err != nil {
		return Status{}, err
	}
	errorCount, err := r.ErrorCount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Platform:     r.Platform,
		AccountID:    accountID,
		Action:       action,
		WindowUsed:   len(state.RequestTimestamps),
		WindowLimit:  r.windowLimit(),
		Window:       r.Policy.Window,
		DailyCount:   state.DailyCount,
		DailyResetAt: state.DailyResetAt,
		ErrorCount:   errorCount,
		RetryAfter:   r.wait(state, action, now),
	}
	if state.PausedUntil != nil && now.Before(*state.PausedUntil) {
		until := *state.PausedUntil
		status.PausedUntil = &until
	}
	if limit, capped := r.dailyLimit(action); capped {
		remaining := max(limit-state.DailyCount, 0)
		status.DailyLimit = &limit
		status.DailyRemaining = &remaining
	}
	return status, nil
}

// ApplySafetyMargin scales the window quota by a ratio in (0, 1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// load fetches state for key, creating it lazily, pruning expired window
// entries, rolling the daily counter and dropping elapsed pauses.
func (r *RateLimiter) load(ctx context.Context, key string, now time.Time) (*core.LimiterState, error) {
	state, err := r.Store.GetLimiterState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load limiter state %s: %w", key, err)
	}
	return r.normalize(state, now), nil
}

// modify applies mutate to the current state of key and saves the result.
// Stores implementing StateUpdater run it atomically; otherwise the key lock
// held by the caller is the only guard.
func (r *RateLimiter) modify(ctx context.Context, key string, now time.Time, mutate func(*core.LimiterState)) error {
	if updater, ok := r.Store.(StateUpdater); ok {
		err := updater.UpdateLimiterState(ctx, key, func(current *core.LimiterState) (*core.LimiterState, time.Duration, error) {
			state := r.normalize(current, now)
			mutate(state)
			return state, r.stateTTL(state, now), nil
		})
		if err != nil {
			return fmt.Errorf("update limiter state %s: %w", key, err)
		}
		return nil
	}

	state, err := r.load(ctx, key, now)
	if err != nil {
		return err
	}
	mutate(state)
	if err := r.Store.PutLimiterState(ctx, key, state, r.stateTTL(state, now)); err != nil {
		return fmt.Errorf("save limiter state %s: %w", key, err)
	}
	return nil
}

// normalize prunes expired window entries, rolls the daily counter over and
// drops an elapsed pause. A nil state starts empty.
func (r *RateLimiter) normalize(state *core.LimiterState, now time.Time) *core.LimiterState {
	if state == nil {
		state = &core.LimiterState{}
	}

	cutoff := now.Add(-r.Policy.Window)
	kept := state.RequestTimestamps[:0]
	for _, ts := range state.RequestTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.RequestTimestamps = kept

	if state.DailyResetAt.IsZero() || !now.Before(state.DailyResetAt) {
		state.DailyCount = 0
		state.DailyResetAt = r.nextReset(now)
	}

	if state.PausedUntil != nil && !now.Before(*state.PausedUntil) {
		state.PausedUntil = nil
	}

	return state
}

func (r *RateLimiter) admit(state *core.LimiterState, action core.ActionType, now time.Time) bool {
	if state.PausedUntil != nil && now.Before(*state.PausedUntil) {
		return false
	}
	if len(state.RequestTimestamps) >= r.windowLimit() {
		return false
	}
	if limit, capped := r.dailyLimit(action); capped && state.DailyCount >= limit {
		return false
	}
	return true
}

func (r *RateLimiter) wait(state *core.LimiterState, action core.ActionType, now time.Time) time.Duration {
	var wait time.Duration

	limit := r.windowLimit()
	if n := len(state.RequestTimestamps); n >= limit && n > 0 {
		// The slot frees up when the entry that pushed us over the limit ages out.
		oldest := state.RequestTimestamps[n-limit]
		wait = max(wait, oldest.Add(r.Policy.Window).Sub(now))
	}

	if state.PausedUntil != nil {
		wait = max(wait, state.PausedUntil.Sub(now))
	}

	if daily, capped := r.dailyLimit(action); capped && state.DailyCount >= daily {
		wait = max(wait, state.DailyResetAt.Sub(now))
	}

	return max(wait, 0)
}

func (r *RateLimiter) windowLimit() int {
	limit := r.Policy.RequestsPerWindow
	if r.Margin > 0 && r.Margin <= 1 {
		limit = int(math.Floor(float64(limit) * r.Margin))
	}
	return max(limit, 1)
}

// dailyLimit reports the daily cap for action. Only sends are capped.
func (r *RateLimiter) dailyLimit(action core.ActionType) (int, bool) {
	if action != core.ActionSend || r.Policy.DailyLimit == nil {
		return 0, false
	}
	return *r.Policy.DailyLimit, true
}

func (r *RateLimiter) nextReset(now time.Time) time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// stateTTL keeps an entry alive until its window, pause and daily reset have
// all elapsed.
func (r *RateLimiter) stateTTL(state *core.LimiterState, now time.Time) time.Duration {
	ttl := r.Policy.Window
	ttl = max(ttl, state.DailyResetAt.Sub(now))
	if state.PausedUntil != nil {
		ttl = max(ttl, state.PausedUntil.Sub(now))
	}
	return ttl + r.Policy.Window
}

func (r *RateLimiter) errorTTL() time.Duration {
	if r.ErrorTTL > 0 {
		return r.ErrorTTL
	}
	return DefaultErrorTTL
}

func (r *RateLimiter) ready() error {
	if r == nil || r.Store == nil {
		return errors.New("rate limiter store is not configured")
	}
	if err := r.Platform.Validate(); err != nil {
		return err
	}
	if r.Policy.Window <= 0 {
		return fmt.Errorf("rate limit window for %s must be positive", r.Platform)
	}
	return nil
}

// key validates action and names the limiter entry for accountID.
func (r *RateLimiter) key(action core.ActionType, accountID string) (string, error) {
	if err := action.Validate(); err != nil {
		return "", err
	}
	return LimiterKey(r.Platform, action, accountID), nil
}

func (r *RateLimiter) int64N(n int64) int64 {
	if r != nil && r.Int64N != nil {
		return r.Int64N(n)
	}
	return rand.Int64N(n)
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
