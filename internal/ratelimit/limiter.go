// Package ratelimit enforces a fixed-window request quota per caller identity.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/kv"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Requests is the number of requests allowed per window.
	Requests int `yaml:"requests" json:"requests"`
	// Window is the length of each counting window.
	Window time.Duration `yaml:"window" json:"window"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Requests: 30,
		Window:   time.Minute,
	}
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err returns a rate-limited error for a rejected decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.Error{
		Kind:       apperr.KindRateLimited,
		Op:         "ratelimit.allow",
		Cause:      fmt.Errorf("limit %d exceeded until %s", d.Limit, d.ResetAt.Format(time.RFC3339)),
		RetryAfter: d.RetryAfter,
	}
}

// Limiter counts requests per identity in fixed windows. A window starts on
// the first request after the previous one has elapsed.
type Limiter struct {
	counter kv.Counter
	config  Config
	now     kv.Clock
}

// New creates a limiter over counter. A nil clock uses time.Now.
func New(counter kv.Counter, config Config, clock kv.Clock) *Limiter {
	defaults := DefaultConfig()
	if config.Requests <= 0 {
		config.Requests = defaults.Requests
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{counter: counter, config: config, now: clock}
}

// Allow records a request for identity and reports whether it fits the quota.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	if l == nil || !l.config.Enabled || l.counter == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	count, resetAt, err := l.counter.Increment(ctx, "ratelimit:"+identity, l.config.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	d := Decision{
		Limit:   l.config.Requests,
		ResetAt: resetAt,
	}
	if count <= int64(l.config.Requests) {
		d.Allowed = true
		d.Remaining = l.config.Requests - int(count)
		return d, nil
	}

	d.RetryAfter = resetAt.Sub(l.now())
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d, nil
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}
