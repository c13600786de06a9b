// Package retry re-runs idempotent operations that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/backoff"
)

// ErrTransient marks an error as safe to retry. Data store implementations
// wrap it into their own sentinels.
var ErrTransient = errors.New("transient failure")

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64

	// Retryable overrides the transient allow-list. Nil uses IsTransient.
	Retryable func(error) bool
	// Sleep overrides the wait between attempts. Nil uses backoff.SleepWithContext.
	Sleep backoff.Sleeper
	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the retry configuration for data store reads.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Do executes op until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. Exhausting the attempts on a transient error yields
// an apperr transient error carrying the attempt count.
func Do(ctx context.Context, config Config, op func(ctx context.Context) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	retryable := config.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = backoff.SleepWithContext
	}
	policy := backoff.Policy{Base: config.BaseDelay, Max: config.MaxDelay, Jitter: config.Jitter}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}

		err := op(ctx)
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if !retryable(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}
	}

	exhausted := apperr.Wrap(apperr.KindTransient, result.Err, "")
	exhausted.Attempts = result.Attempts
	result.Err = exhausted
	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(ctx context.Context) error {
		var err error
		value, err = op(ctx)
		return err
	})
	return value, result
}

var transientSignatures = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// IsTransient reports whether err matches the transient allow-list. Anything
// not on the list is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if e, ok := apperr.As(err); ok {
		return e.Kind == apperr.KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return strings.HasSuffix(msg, "eof")
}
