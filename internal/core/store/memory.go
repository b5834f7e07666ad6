package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/engine"
)

const memoryUsageCapacity = 1000

var _ engine.StateUpdater = (*Memory)(nil)

type memoryEntry struct {
	state     *core.LimiterState
	count     int
	expiresAt time.Time
}

// Memory is an in-process Backend. It is safe for concurrent use and suited
// to single-instance deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]*memoryEntry
	usage []core.UsageRecord
	Clock func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memoryEntry)}
}

func (m *Memory) GetLimiterState(ctx context.Context, key string) (*core.LimiterState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.live(key)
	if !ok || entry.state == nil {
		return nil, nil
	}
	return entry.state.Clone(), nil
}

func (m *Memory) PutLimiterState(ctx context.Context, key string, state *core.LimiterState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &memoryEntry{state: state.Clone(), expiresAt: m.expiry(ttl)}
	return nil
}

// UpdateLimiterState applies update to key while holding the write lock, so
// limiters sharing one Memory never interleave.
func (m *Memory) UpdateLimiterState(ctx context.Context, key string, update func(*core.LimiterState) (*core.LimiterState, time.Duration, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *core.LimiterState
	if entry, ok := m.live(key); ok && entry.state != nil {
		current = entry.state.Clone()
	}
	next, ttl, err := update(current)
	if err != nil {
		return err
	}
	if next == nil {
		return errors.New("limiter state is required")
	}
	m.data[key] = &memoryEntry{state: next.Clone(), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) GetErrorCount(ctx context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	return entry.count, nil
}

func (m *Memory) PutErrorCount(ctx context.Context, key string, count int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &memoryEntry{count: count, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) ListLimiterStates(ctx context.Context, q LimiterQuery) ([]LimiterEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []LimiterEntry{}
	for key := range m.data {
		if IsErrorKey(key) || !q.Matches(key) {
			continue
		}
		entry, ok := m.live(key)
		if !ok || entry.state == nil {
			continue
		}
		platform, action, account, _ := ParseKey(key)
		item := LimiterEntry{
			Key:       key,
			Platform:  platform,
			Action:    core.ActionType(action),
			AccountID: account,
			State:     *entry.state.Clone(),
			ExpiresAt: entry.expiresAt,
		}
		if errEntry, ok := m.live(string(platform) + ":errors:" + account); ok {
			item.ErrorCount = errEntry.count
		}
		entries = append(entries, item)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *Memory) ResetLimiterStates(ctx context.Context, q LimiterQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key := range m.data {
		if q.Matches(key) {
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) LogPlatformAPIUsage(ctx context.Context, record core.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.RecordedAt.IsZero() {
		record.RecordedAt = m.now()
	}
	m.usage = append(m.usage, record)
	if len(m.usage) > memoryUsageCapacity {
		m.usage = append([]core.UsageRecord(nil), m.usage[len(m.usage)-memoryUsageCapacity:]...)
	}
	return nil
}

// ListUsage returns matching records, newest first.
func (m *Memory) ListUsage(ctx context.Context, q UsageQuery) ([]core.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := []core.UsageRecord{}
	for i := len(m.usage) - 1; i >= 0 && len(records) < q.limit(); i-- {
		if q.Matches(m.usage[i]) {
			records = append(records, m.usage[i])
		}
	}
	return records, nil
}

// PurgeExpired drops entries whose TTL has elapsed.
func (m *Memory) PurgeExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed int64
	for key, entry := range m.data {
		if !now.Before(entry.expiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// live returns the entry for key if it has not expired. Callers hold mu.
func (m *Memory) live(key string) (*memoryEntry, bool) {
	entry, ok := m.data[key]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return m.now().Add(ttl)
}

func (m *Memory) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}
