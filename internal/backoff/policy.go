// Package backoff computes capped exponential delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the second attempt.
	Base time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Jitter is the fraction (0.0 to 1.0) by which a delay may be spread
	// in either direction.
	Jitter float64
}

// DefaultPolicy returns the policy used for data store reads.
// Base: 100ms, Max: 2s, Jitter: 20%
func DefaultPolicy() Policy {
	return Policy{
		Base:   100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes base * 2^(attempt-1), clamped to Max, then spread
// by ±Jitter using randomValue in [0.0, 1.0). Exposed for deterministic tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	exp := math.Max(float64(attempt-1), 0)
	delay := float64(p.Base) * math.Pow(2, exp)
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	if jitter > 0 {
		// randomValue 0 → -jitter, 0.5 → 0, 1 → +jitter
		delay += delay * jitter * (2*randomValue - 1)
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(math.Round(delay/float64(time.Millisecond))) * time.Millisecond
}
