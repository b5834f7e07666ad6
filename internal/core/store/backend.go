package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
)

// Backend is a limiter state store with the admin and usage surfaces the CLI
// and HTTP server need.
type Backend interface {
	engine.StateStore
	engine.UsageLogger

	ListLimiterStates(ctx context.Context, q LimiterQuery) ([]LimiterEntry, error)
	ResetLimiterStates(ctx context.Context, q LimiterQuery) (int64, error)
	ListUsage(ctx context.Context, q UsageQuery) ([]core.UsageRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Memory)(nil)
)

// LimiterEntry is one persisted limiter key.
type LimiterEntry struct {
	Key        string            `json:"key"`
	Platform   core.Platform     `json:"platform"`
	Action     core.ActionType   `json:"action"`
	AccountID  string            `json:"account_id"`
	State      core.LimiterState `json:"state"`
	ErrorCount int               `json:"error_count"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// LimiterQuery selects limiter keys. Non-empty fields are combined with AND.
type LimiterQuery struct {
	All       bool
	Platform  string
	AccountID string
	Prefix    string
}

func (q LimiterQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Platform) != "" {
		return nil
	}
	if strings.TrimSpace(q.AccountID) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --platform, --account, or --prefix")
}

// Matches reports whether a limiter or error-counter key is selected.
func (q LimiterQuery) Matches(key string) bool {
	if q.All {
		return true
	}
	platform, _, account, ok := ParseKey(key)
	if !ok {
		return false
	}
	if p := strings.TrimSpace(q.Platform); p != "" && core.ParsePlatform(p) != platform {
		return false
	}
	if a := strings.TrimSpace(q.AccountID); a != "" && a != account {
		return false
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" && !strings.HasPrefix(key, prefix) {
		return false
	}
	return true
}

// ParseKey splits "platform:action:account". Account IDs may contain colons.
func ParseKey(key string) (core.Platform, string, string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return core.Platform(parts[0]), parts[1], parts[2], true
}

// IsErrorKey reports whether key names an error counter.
func IsErrorKey(key string) bool {
	_, action, _, ok := ParseKey(key)
	return ok && action == "errors"
}

// UsageQuery filters the usage log. Limit <= 0 means the default of 100.
type UsageQuery struct {
	Platform  string
	AccountID string
	Since     time.Time
	Limit     int
}

const defaultUsageLimit = 100

func (q UsageQuery) limit() int {
	if q.Limit <= 0 {
		return defaultUsageLimit
	}
	return q.Limit
}

// Matches reports whether record passes the filter.
func (q UsageQuery) Matches(record core.UsageRecord) bool {
	if p := strings.TrimSpace(q.Platform); p != "" && core.ParsePlatform(p) != record.Platform {
		return false
	}
	if a := strings.TrimSpace(q.AccountID); a != "" && a != record.AccountID {
		return false
	}
	if !q.Since.IsZero() && record.RecordedAt.Before(q.Since) {
		return false
	}
	return true
}
