package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pmassist/internal/kv"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestCache(ttl time.Duration) (*Cache, *testClock) {
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemory(kv.MemoryOptions{MaxEntries: 100, Clock: clock.Now})
	return New(store, Options{TTL: ttl, Clock: clock.Now}), clock
}

func TestKey(t *testing.T) {
	type query struct {
		ProjectID  string
		ResourceID string
	}
	base, err := Key("list_tasks", query{"p1", "r1"}, "contributor|r1||")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if !strings.HasPrefix(base, "cache:") {
		t.Fatalf("expected cache: prefix, got %q", base)
	}

	tests := []struct {
		name     string
		tool     string
		q        query
		identity string
		same     bool
	}{
		{"identical inputs", "list_tasks", query{"p1", "r1"}, "contributor|r1||", true},
		{"different tool", "list_milestones", query{"p1", "r1"}, "contributor|r1||", false},
		{"different scope", "list_tasks", query{"p1", "r2"}, "contributor|r1||", false},
		{"different identity", "list_tasks", query{"p1", "r1"}, "project_manager|||", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Key(tt.tool, tt.q, tt.identity)
			if err != nil {
				t.Fatalf("Key: %v", err)
			}
			if (got == base) != tt.same {
				t.Errorf("key equality = %v, want %v", got == base, tt.same)
			}
		})
	}
}

func TestGetOrLoad_IdempotentWithinTTL(t *testing.T) {
	c, clock := newTestCache(60 * time.Second)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (json.RawMessage, error) {
		loads++
		return json.RawMessage(`{"n":` + strconv.Itoa(loads) + `}`), nil
	}

	first, hit, err := c.GetOrLoad(ctx, "k", load)
	if err != nil || hit {
		t.Fatalf("first call: hit=%v err=%v", hit, err)
	}
	clock.now = clock.now.Add(59 * time.Second)
	second, hit, err := c.GetOrLoad(ctx, "k", load)
	if err != nil || !hit {
		t.Fatalf("second call should hit: hit=%v err=%v", hit, err)
	}
	if string(first) != string(second) {
		t.Fatalf("cached result differs: %s vs %s", first, second)
	}
	if loads != 1 {
		t.Fatalf("expected a single load, got %d", loads)
	}

	clock.now = clock.now.Add(2 * time.Second)
	third, hit, _ := c.GetOrLoad(ctx, "k", load)
	if hit {
		t.Fatal("expected a fresh load after TTL")
	}
	if loads != 2 || string(third) == string(first) {
		t.Fatalf("expected reload after expiry, loads=%d value=%s", loads, third)
	}
}

func TestGetOrLoad_ErrorsNotCached(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	ctx := context.Background()

	boom := errors.New("connection reset")
	if _, _, err := c.GetOrLoad(ctx, "k", func(context.Context) (json.RawMessage, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("failed load must not populate the cache")
	}
}

func TestDisabledCache(t *testing.T) {
	c, _ := newTestCache(-1)
	ctx := context.Background()
	if c.Enabled() {
		t.Fatal("negative TTL should disable the cache")
	}
	_ = c.Set(ctx, "k", json.RawMessage(`1`))
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("disabled cache returned a value")
	}
}
