package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
)

// GetLimiterState returns unexpired limiter state for key, or nil.
func (s *Store) GetLimiterState(ctx context.Context, key string) (*core.LimiterState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("limiter key is required")
	}

	var raw string
	row := s.DB.QueryRowContext(ctx, `
		SELECT state
		FROM limiter_state
		WHERE key = ? AND expires_at > ?
	`, key, s.now().UnixMilli())

	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch limiter state: %w", err)
	}

	state := &core.LimiterState{}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, fmt.Errorf("decode limiter state: %w", err)
	}
	return state, nil
}

// PutLimiterState upserts limiter state for key with the given TTL.
func (s *Store) PutLimiterState(ctx context.Context, key string, state *core.LimiterState, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("limiter key is required")
	}
	if state == nil {
		return errors.New("limiter state is required")
	}

	platform, action, account, ok := ParseKey(key)
	if !ok {
		return fmt.Errorf("malformed limiter key: %s", key)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode limiter state: %w", err)
	}

	now := s.now()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO limiter_state (key, platform, action, account_id, state, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, key, string(platform), action, account, string(payload), now.UnixMilli(), expiresAt(now, ttl))
	if err != nil {
		return fmt.Errorf("store limiter state: %w", err)
	}

	return nil
}

// GetErrorCount returns the unexpired error counter for key.
func (s *Store) GetErrorCount(ctx context.Context, key string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var count int
	row := s.DB.QueryRowContext(ctx, `
		SELECT count
		FROM error_counts
		WHERE key = ? AND expires_at > ?
	`, strings.TrimSpace(key), s.now().UnixMilli())

	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch error count: %w", err)
	}
	return count, nil
}

// PutErrorCount upserts the error counter for key.
func (s *Store) PutErrorCount(ctx context.Context, key string, count int, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	platform, _, account, ok := ParseKey(key)
	if !ok {
		return fmt.Errorf("malformed error key: %s", key)
	}

	now := s.now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO error_counts (key, platform, account_id, count, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, key, string(platform), account, count, now.UnixMilli(), expiresAt(now, ttl))
	if err != nil {
		return fmt.Errorf("store error count: %w", err)
	}

	return nil
}

// PurgeExpired deletes limiter and error rows whose TTL has elapsed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UnixMilli()
	var total int64
	for _, table := range []string{"limiter_state", "error_counts"} {
		result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, table), now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += affected
	}
	return total, nil
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return now.Add(ttl).UnixMilli()
}
