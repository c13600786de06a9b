package kv

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryOptions configures the in-process backend.
type MemoryOptions struct {
	// MaxEntries bounds the Store side; the least recently used key is
	// evicted first. Zero means unbounded.
	MaxEntries int
	Clock      Clock
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-process Backend safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	counters   map[string]*counterEntry
	maxEntries int
	now        Clock
}

// NewMemory creates an in-process backend.
func NewMemory(opts MemoryOptions) *Memory {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	maxEntries := opts.MaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Memory{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		counters:   make(map[string]*counterEntry),
		maxEntries: maxEntries,
		now:        now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if m.expired(entry) {
		m.removeElement(el)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	m.entries[key] = el
	m.evict()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	delete(m.counters, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok || m.expired(el.Value.(*memoryEntry)) {
		return ErrNotFound
	}
	entry := el.Value.(*memoryEntry)
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counterEntry{resetAt: now.Add(window)}
		m.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// Len returns the number of live and not-yet-collected store entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Prune drops expired entries and counters. Expiry is otherwise lazy.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if m.expired(el.Value.(*memoryEntry)) {
			m.removeElement(el)
			removed++
		}
		el = prev
	}
	now := m.now()
	for key, c := range m.counters {
		if !now.Before(c.resetAt) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

func (m *Memory) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.entries, el.Value.(*memoryEntry).key)
}

func (m *Memory) evict() {
	if m.maxEntries <= 0 {
		return
	}
	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		if oldest == nil {
			return
		}
		m.removeElement(oldest)
	}
}
