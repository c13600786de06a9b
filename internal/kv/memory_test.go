package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(MemoryOptions{Clock: clock.Now})

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := m.Get(ctx, "nope")
		if err != nil || ok {
			t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		if err := m.Set(ctx, "a", []byte("1"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := m.Get(ctx, "a")
		if err != nil || !ok || string(v) != "1" {
			t.Fatalf("Get = %q, %v, %v", v, ok, err)
		}
	})

	t.Run("lazy expiry", func(t *testing.T) {
		_ = m.Set(ctx, "short", []byte("x"), 10*time.Second)
		clock.Advance(10 * time.Second)
		if _, ok, _ := m.Get(ctx, "short"); ok {
			t.Fatal("expected entry to expire at its deadline")
		}
	})

	t.Run("no ttl never expires", func(t *testing.T) {
		_ = m.Set(ctx, "forever", []byte("x"), 0)
		clock.Advance(1000 * time.Hour)
		if _, ok, _ := m.Get(ctx, "forever"); !ok {
			t.Fatal("expected entry without ttl to survive")
		}
	})
}

func TestMemory_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{MaxEntries: 2})

	_ = m.Set(ctx, "a", []byte("a"), 0)
	_ = m.Set(ctx, "b", []byte("b"), 0)
	// touch a so b becomes least recently used
	_, _, _ = m.Get(ctx, "a")
	_ = m.Set(ctx, "c", []byte("c"), 0)

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := m.Get(ctx, k); !ok {
			t.Errorf("expected %s to be retained", k)
		}
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestMemory_Expire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(MemoryOptions{Clock: clock.Now})

	if err := m.Expire(ctx, "missing", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = m.Set(ctx, "k", []byte("v"), 0)
	if err := m.Expire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire after Expire")
	}
}

func TestMemory_Increment(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(MemoryOptions{Clock: clock.Now})

	start := clock.Now()
	for i := int64(1); i <= 3; i++ {
		n, reset, err := m.Increment(ctx, "user", time.Minute)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
		if !reset.Equal(start.Add(time.Minute)) {
			t.Fatalf("reset = %v, want %v", reset, start.Add(time.Minute))
		}
	}

	clock.Advance(time.Minute)
	n, reset, _ := m.Increment(ctx, "user", time.Minute)
	if n != 1 {
		t.Fatalf("expected new window to restart at 1, got %d", n)
	}
	if !reset.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expected new reset time, got %v", reset)
	}
}

func TestMemory_Prune(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(MemoryOptions{Clock: clock.Now})

	_ = m.Set(ctx, "a", []byte("a"), time.Second)
	_ = m.Set(ctx, "b", []byte("b"), time.Hour)
	_, _, _ = m.Increment(ctx, "c", time.Second)
	clock.Advance(5 * time.Second)

	if removed := m.Prune(); removed != 2 {
		t.Fatalf("Prune() = %d, want 2", removed)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestMemory_ConcurrentIncrement(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = m.Increment(ctx, "shared", time.Hour)
			_ = m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
		}(i)
	}
	wg.Wait()

	n, _, _ := m.Increment(ctx, "shared", time.Hour)
	if n != 51 {
		t.Fatalf("expected 51 after 50 concurrent increments, got %d", n)
	}
}
