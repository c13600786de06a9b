// Package cache stores read-tool results for a short TTL, keyed by the
// caller's identity so one user's view never answers another's query.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/pmassist/internal/kv"
)

// DefaultTTL bounds how stale a cached read may be.
const DefaultTTL = 60 * time.Second

const keyPrefix = "cache:"

// Entry is the persisted form of a cached result.
type Entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"storedAt"`
}

// Options configures a Cache.
type Options struct {
	TTL   time.Duration
	Clock kv.Clock
}

// Cache is a TTL response cache over an injected kv.Store.
type Cache struct {
	store kv.Store
	ttl   time.Duration
	now   kv.Clock
}

// New creates a cache. A zero TTL uses DefaultTTL; a negative TTL disables caching.
func New(store kv.Store, opts Options) *Cache {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, ttl: ttl, now: now}
}

// Enabled reports whether reads will be cached.
func (c *Cache) Enabled() bool {
	return c != nil && c.store != nil && c.ttl > 0
}

// Key derives a cache key from the tool name, the permission-scoped query,
// and the caller identity.
func Key(tool string, scopedQuery any, identity string) (string, error) {
	query, err := json.Marshal(scopedQuery)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(query)
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns a cached value. Entries older than the TTL are treated as
// missing even if the store has not dropped them yet.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	if !c.now().Before(entry.StoredAt.Add(c.ttl)) {
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set stores value under key for the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(Entry{Key: key, Value: value, StoredAt: c.now()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.store.Set(ctx, key, raw, c.ttl)
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Delete(ctx, key)
}

// GetOrLoad returns the cached value for key or calls load and caches a
// successful result. Failed loads are never cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, false, err
	}
	// a failed write only costs a future miss
	_ = c.Set(ctx, key, v)
	return v, false, nil
}
