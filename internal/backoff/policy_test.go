package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	noJitter := Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second}
	tests := []struct {
		name     string
		policy   Policy
		attempt  int
		random   float64
		expected time.Duration
	}{
		{"first attempt", noJitter, 1, 0.5, 100 * time.Millisecond},
		{"second attempt doubles", noJitter, 2, 0.5, 200 * time.Millisecond},
		{"third attempt quadruples", noJitter, 3, 0.5, 400 * time.Millisecond},
		{"capped at max", noJitter, 10, 0.5, 2 * time.Second},
		{"zero attempt treated as first", noJitter, 0, 0.5, 100 * time.Millisecond},
		{"jitter low end", DefaultPolicy(), 1, 0, 80 * time.Millisecond},
		{"jitter midpoint", DefaultPolicy(), 1, 0.5, 100 * time.Millisecond},
		{"jitter high end stays under max", DefaultPolicy(), 6, 0.999, 2 * time.Second},
		{"zero base", Policy{}, 3, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.DelayWithRand(tt.attempt, tt.random)
			if got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.expected)
			}
		})
	}
}

func TestDelayWithinJitterBounds(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("Delay(2) = %v, outside [160ms, 240ms]", d)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	if err := SleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepWithContext(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
