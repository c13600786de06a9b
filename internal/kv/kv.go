// Package kv provides the injected key-value store that backs the response
// cache, the rate limiter, and pending confirmation tokens.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is a byte-oriented key-value store with per-key expiry.
// A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Counter is an atomic windowed counter.
type Counter interface {
	// Increment adds one to key. When the key is absent or its window has
	// elapsed, the count restarts at one with a new window of the given length.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Backend is a Store that also counts.
type Backend interface {
	Store
	Counter
}

// Clock returns the current time; tests substitute a fake.
type Clock func() time.Time
