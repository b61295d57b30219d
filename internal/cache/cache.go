// Package cache provides short-lived counters and locks shared by the
// notification rate limiter and the health recompute cooldown.
package cache

import (
	"context"
	"sync"
	"time"
)

// Counter is an atomic counter-with-expiry store.
type Counter interface {
	// Incr adds one to key and returns the new value. An absent or expired
	// key starts a fresh window of the given length.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// TryLock sets key for ttl unless it is already set. It reports whether
	// the caller now holds the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key, zero when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type entry struct {
	value     int64
	expiresAt time.Time
}

// Memory is a process-local Counter. Expired entries are dropped lazily.
type Memory struct {
	mu    sync.Mutex
	items map[string]*entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*entry), now: time.Now}
}

// live returns the unexpired entry for key. Must be called with m.mu held.
func (m *Memory) live(key string, at time.Time) *entry {
	e, ok := m.items[key]
	if !ok {
		return nil
	}
	if !at.Before(e.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return e
}

func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	e := m.live(key, at)
	if e == nil {
		e = &entry{expiresAt: at.Add(window)}
		m.items[key] = e
	}
	e.value++
	return e.value, nil
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	if m.live(key, at) != nil {
		return false, nil
	}
	m.items[key] = &entry{value: 1, expiresAt: at.Add(ttl)}
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	e := m.live(key, at)
	if e == nil {
		return 0, nil
	}
	return e.expiresAt.Sub(at), nil
}

// SQLStore is the subset of the storage layer SQL needs.
type SQLStore interface {
	CacheIncr(ctx context.Context, key string, window time.Duration, at time.Time) (int64, error)
	CacheTryLock(ctx context.Context, key string, ttl time.Duration, at time.Time) (bool, error)
	CacheTTL(ctx context.Context, key string, at time.Time) (time.Duration, error)
	CachePurgeExpired(ctx context.Context, at time.Time) (int64, error)
}

// SQL is a Counter persisted in the cache_entries table, so limits survive
// restarts and hold across processes sharing one database.
type SQL struct {
	store SQLStore
	now   func() time.Time
}

func NewSQL(store SQLStore) *SQL {
	return &SQL{store: store, now: time.Now}
}

func (s *SQL) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.store.CacheIncr(ctx, key, window, s.now())
}

func (s *SQL) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.store.CacheTryLock(ctx, key, ttl, s.now())
}

func (s *SQL) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.store.CacheTTL(ctx, key, s.now())
}

// Purge drops expired entries. Expired rows are already ignored by reads;
// this only bounds table growth.
func (s *SQL) Purge(ctx context.Context) (int64, error) {
	return s.store.CachePurgeExpired(ctx, s.now())
}
