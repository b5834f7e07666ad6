package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
)

func (q LimiterQuery) whereClause(alias string) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}

	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	var (
		conds []string
		args  []any
	)
	if platform := strings.TrimSpace(q.Platform); platform != "" {
		conds = append(conds, col("platform")+" = ?")
		args = append(args, string(core.ParsePlatform(platform)))
	}
	if account := strings.TrimSpace(q.AccountID); account != "" {
		conds = append(conds, col("account_id")+" = ?")
		args = append(args, account)
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" {
		conds = append(conds, col("key")+" LIKE ?")
		args = append(args, prefix+"%")
	}
	return "AND " + strings.Join(conds, " AND "), args, nil
}

// ListLimiterStates returns unexpired limiter keys with their error counts.
func (s *Store) ListLimiterStates(ctx context.Context, q LimiterQuery) ([]LimiterEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause("l")
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	queryArgs := append([]any{now, now}, args...)
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.key, l.platform, l.action, l.account_id, l.state, l.expires_at, COALESCE(e.count, 0)
		FROM limiter_state l
		LEFT JOIN error_counts e
			ON e.platform = l.platform AND e.account_id = l.account_id AND e.expires_at > ?
		WHERE l.expires_at > ? %s
		ORDER BY l.key
	`, where), queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("list limiter states: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []LimiterEntry{}
	for rows.Next() {
		var (
			key, platform, action, account, raw string
			expires                             int64
			errorCount                          int
		)
		if err := rows.Scan(&key, &platform, &action, &account, &raw, &expires, &errorCount); err != nil {
			return nil, fmt.Errorf("scan limiter states: %w", err)
		}

		var state core.LimiterState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("decode limiter state %s: %w", key, err)
		}

		entries = append(entries, LimiterEntry{
			Key:        key,
			Platform:   core.Platform(platform),
			Action:     core.ActionType(action),
			AccountID:  account,
			State:      state,
			ErrorCount: errorCount,
			ExpiresAt:  time.UnixMilli(expires).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list limiter states: %w", err)
	}

	return entries, nil
}

// CountLimiterStates counts unexpired limiter keys.
func (s *Store) CountLimiterStates(ctx context.Context, q LimiterQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause("")
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM limiter_state
		WHERE expires_at > ? %s
	`, where), append([]any{s.now().UnixMilli()}, args...)...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count limiter states: %w", err)
	}
	return count, nil
}

// ResetLimiterStates deletes matching limiter keys and error counters.
func (s *Store) ResetLimiterStates(ctx context.Context, q LimiterQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause("")
	if err != nil {
		return 0, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset limiter states: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"limiter_state", "error_counts"} {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s
			WHERE 1 = 1 %s
		`, table, where), args...)
		if err != nil {
			return 0, fmt.Errorf("reset %s: %w", table, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reset %s: %w", table, err)
		}
		total += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset limiter states: %w", err)
	}
	return total, nil
}
