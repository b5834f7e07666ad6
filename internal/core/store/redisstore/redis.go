// Package redisstore keeps limiter state in Redis so several relaypoint
// instances can share quotas. Limiter updates run under WATCH/MULTI, so
// concurrent writers from any process serialize on the key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
	"github.com/relaypoint/relaypoint/internal/core/store"
)

const (
	usageKey      = "usage"
	usageCapacity = 1000
	scanBatch     = 200
	defaultTTL    = 24 * time.Hour
	// maxTxAttempts bounds optimistic retries when another writer changes a
	// watched key before EXEC.
	maxTxAttempts = 100
)

var (
	_ store.Backend       = (*Store)(nil)
	_ engine.StateUpdater = (*Store)(nil)
)

// Store is a store.Backend on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
	Clock  func() time.Time
}

// Open connects to Redis using cfg and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := New(client, cfg.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. Every key is namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) GetLimiterState(ctx context.Context, key string) (*core.LimiterState, error) {
	return decodeState(key, s.client.Get(ctx, s.key(key)))
}

// UpdateLimiterState reads, updates and writes key inside a WATCH
// transaction. When another client writes the key first, EXEC aborts and
// the update is retried against the fresh value.
func (s *Store) UpdateLimiterState(ctx context.Context, key string, update func(*core.LimiterState) (*core.LimiterState, time.Duration, error)) error {
	full := s.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := decodeState(key, tx.Get(ctx, full))
		if err != nil {
			return err
		}
		next, ttl, err := update(current)
		if err != nil {
			return err
		}
		if next == nil {
			return errors.New("limiter state is required")
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode limiter state %v: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, raw, expiry(ttl))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, full)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store limiter state %v: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("store limiter state %v: %w", key, redis.TxFailedErr)
}

func decodeState(key string, cmd *redis.StringCmd) (*core.LimiterState, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch limiter state %v: %w", key, err)
	}

	state := &core.LimiterState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode limiter state %v: %w", key, err)
	}
	return state, nil
}

func (s *Store) PutLimiterState(ctx context.Context, key string, state *core.LimiterState, ttl time.Duration) error {
	if state == nil {
		return errors.New("limiter state is required")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode limiter state %v: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, expiry(ttl)).Err(); err != nil {
		return fmt.Errorf("store limiter state %v: %w", key, err)
	}
	return nil
}

func (s *Store) GetErrorCount(ctx context.Context, key string) (int, error) {
	count, err := s.client.Get(ctx, s.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetch error count %v: %w", key, err)
	}
	return count, nil
}

func (s *Store) PutErrorCount(ctx context.Context, key string, count int, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), strconv.Itoa(count), expiry(ttl)).Err(); err != nil {
		return fmt.Errorf("store error count %v: %w", key, err)
	}
	return nil
}

// ListLimiterStates scans the namespace for limiter keys.
func (s *Store) ListLimiterStates(ctx context.Context, q store.LimiterQuery) ([]store.LimiterEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	keys, err := s.scan(ctx, q)
	if err != nil {
		return nil, err
	}

	p := s.client.Pipeline()
	type pending struct {
		key   string
		state *redis.StringCmd
		ttl   *redis.DurationCmd
		errs  *redis.StringCmd
	}
	items := make([]pending, 0, len(keys))
	for _, key := range keys {
		if store.IsErrorKey(key) {
			continue
		}
		platform, _, account, _ := store.ParseKey(key)
		items = append(items, pending{
			key:   key,
			state: p.Get(ctx, s.key(key)),
			ttl:   p.PTTL(ctx, s.key(key)),
			errs:  p.Get(ctx, s.key(string(platform)+":errors:"+account)),
		})
	}
	if _, err := p.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list limiter states: %w", err)
	}

	now := s.now()
	entries := []store.LimiterEntry{}
	for _, item := range items {
		raw, err := item.state.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch limiter state %v: %w", item.key, err)
		}

		var state core.LimiterState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode limiter state %v: %w", item.key, err)
		}

		platform, action, account, _ := store.ParseKey(item.key)
		entry := store.LimiterEntry{
			Key:       item.key,
			Platform:  platform,
			Action:    core.ActionType(action),
			AccountID: account,
			State:     state,
		}
		if ttl, err := item.ttl.Result(); err == nil && ttl > 0 {
			entry.ExpiresAt = now.Add(ttl)
		}
		if count, err := item.errs.Int(); err == nil {
			entry.ErrorCount = count
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// ResetLimiterStates deletes matching limiter keys and error counters.
func (s *Store) ResetLimiterStates(ctx context.Context, q store.LimiterQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}

	keys, err := s.scan(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.key(key)
	}
	removed, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("reset limiter states: %w", err)
	}
	return removed, nil
}

// LogPlatformAPIUsage pushes a record onto a capped list.
func (s *Store) LogPlatformAPIUsage(ctx context.Context, record core.UsageRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = s.now()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	p := s.client.TxPipeline()
	p.LPush(ctx, s.key(usageKey), raw)
	p.LTrim(ctx, s.key(usageKey), 0, usageCapacity-1)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("log platform api usage: %w", err)
	}
	return nil
}

// ListUsage returns matching records, newest first.
func (s *Store) ListUsage(ctx context.Context, q store.UsageQuery) ([]core.UsageRecord, error) {
	values, err := s.client.LRange(ctx, s.key(usageKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list platform api usage: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	records := []core.UsageRecord{}
	for _, value := range values {
		if len(records) >= limit {
			break
		}
		var record core.UsageRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("decode usage record: %w", err)
		}
		if q.Matches(record) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("store is not initialized")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// scan returns unprefixed limiter and error keys selected by q.
func (s *Store) scan(ctx context.Context, q store.LimiterQuery) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := s.prefix + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan limiter keys: %w", err)
		}
		for _, full := range batch {
			key := strings.TrimPrefix(full, s.prefix)
			if key == usageKey || !q.Matches(key) {
				continue
			}
			keys = append(keys, key)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
