package store

import (
	"context"
	"sync"
	"time"
)

// Compile-time assertion that Mem satisfies KV.
var _ KV = (*Mem)(nil)

// Mem is an in-process [KV] implementation with real TTL semantics.
// Used in tests and as a fallback when no shared store is configured.
type Mem struct {
	mu      sync.Mutex
	strings map[string]memEntry
	lists   map[string]memListEntry

	// now is replaceable in tests to simulate TTL expiry.
	now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memListEntry struct {
	values    []string
	expiresAt time.Time
}

// NewMem creates an empty in-memory KV.
func NewMem() *Mem {
	return &Mem{
		strings: make(map[string]memEntry),
		lists:   make(map[string]memListEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (m *Mem) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Mem) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *Mem) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.strings[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Mem) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *Mem) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.strings, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *Mem) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lists[key]
	if m.expired(e.expiresAt) {
		e = memListEntry{}
	}
	e.values = append(e.values, values...)
	m.lists[key] = e
	return nil
}

func (m *Mem) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lists[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}

	n := int64(len(e.values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, e.values[start:stop+1])
	return out, nil
}

func (m *Mem) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now().Add(ttl)
	if e, ok := m.strings[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = at
		m.strings[key] = e
		return true, nil
	}
	if e, ok := m.lists[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = at
		m.lists[key] = e
		return true, nil
	}
	return false, nil
}

func (m *Mem) Ping(context.Context) error { return nil }

func (m *Mem) Close() error { return nil }
