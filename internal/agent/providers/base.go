package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/pmassist/internal/retry"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry runs op up to maxRetries+1 times with exponential backoff while the
// error is retryable. The last error is returned unwrapped.
func (b *BaseProvider) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	cfg := retry.Config{
		MaxAttempts: b.maxRetries + 1,
		BaseDelay:   b.retryDelay,
		MaxDelay:    b.retryDelay * 8,
		Jitter:      0.1,
		Retryable:   IsRetryable,
	}
	var last error
	res := retry.Do(ctx, cfg, func(ctx context.Context) error {
		last = op(ctx)
		return last
	})
	if res.Err == nil {
		return nil
	}
	if last == nil || ctx.Err() != nil {
		return res.Err
	}
	return last
}
