package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/relaypoint/internal/core"
)

// LogPlatformAPIUsage appends a usage record.
func (s *Store) LogPlatformAPIUsage(ctx context.Context, record core.UsageRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now()
	}

	var endpoint sql.NullString
	if strings.TrimSpace(record.Endpoint) != "" {
		endpoint = sql.NullString{String: record.Endpoint, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO platform_api_usage (id, platform, account_id, action, endpoint, attempts, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, string(record.Platform), record.AccountID, string(record.Action), endpoint,
		record.Attempts, record.Duration.Milliseconds(), record.RecordedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("log platform api usage: %w", err)
	}
	return nil
}

// ListUsage returns matching usage records, newest first.
func (s *Store) ListUsage(ctx context.Context, q UsageQuery) ([]core.UsageRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		conds []string
		args  []any
	)
	if platform := strings.TrimSpace(q.Platform); platform != "" {
		conds = append(conds, "platform = ?")
		args = append(args, string(core.ParsePlatform(platform)))
	}
	if account := strings.TrimSpace(q.AccountID); account != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, account)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, q.Since.UTC().UnixMilli())
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, q.limit())

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, platform, account_id, action, endpoint, attempts, duration_ms, recorded_at
		FROM platform_api_usage
		%s
		ORDER BY recorded_at DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list platform api usage: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.UsageRecord{}
	for rows.Next() {
		var (
			record     core.UsageRecord
			platform   string
			action     string
			endpoint   sql.NullString
			durationMS int64
			recordedAt int64
		)
		if err := rows.Scan(&record.ID, &platform, &record.AccountID, &action, &endpoint, &record.Attempts, &durationMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan platform api usage: %w", err)
		}
		record.Platform = core.Platform(platform)
		record.Action = core.ActionType(action)
		if endpoint.Valid {
			record.Endpoint = endpoint.String
		}
		record.Duration = time.Duration(durationMS) * time.Millisecond
		record.RecordedAt = time.UnixMilli(recordedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platform api usage: %w", err)
	}
	return records, nil
}

// PurgeUsage deletes usage rows recorded before cutoff.
func (s *Store) PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM platform_api_usage WHERE recorded_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge platform api usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge platform api usage: %w", err)
	}
	return affected, nil
}
