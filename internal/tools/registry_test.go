package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/pmassist/internal/cache"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/kv"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/pkg/models"
)

type listParams struct {
	Status string `json:"status,omitempty" jsonschema:"enum=open,enum=closed"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type closeParams struct {
	Item string `json:"item" jsonschema:"minLength=1"`
}

type fakeProposer struct {
	calls int
	last  json.RawMessage
}

func (f *fakeProposer) Propose(_ context.Context, _ models.SessionContext, tool *MutatingTool, params json.RawMessage) (models.ActionSummary, error) {
	f.calls++
	f.last = params
	return models.ActionSummary{
		Action:  tool.Name,
		Status:  models.ActionProposed,
		Token:   "tok-1",
		Preview: "Risk R-007 'Vendor delay' status: open → closed",
	}, nil
}

func noSleepRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

type harness struct {
	registry *Registry
	proposer *fakeProposer
	reads    int
	executed int
	scopes   []datastore.Filter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{proposer: &fakeProposer{}}
	h.registry = NewRegistry(Options{
		Enforcer: scope.NewEnforcer(nil),
		Cache:    cache.New(kv.NewMemory(kv.MemoryOptions{}), cache.Options{TTL: time.Minute}),
		Retry:    noSleepRetry(),
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	})
	h.registry.UseProposer(h.proposer)

	err := h.registry.RegisterRead(&ReadTool{
		Definition: Definition{
			Name:        "list_raid_items",
			Description: "List RAID items",
			Resource:    models.KindRAID,
			Params:      &listParams{},
		},
		Cacheable: true,
		Handler: func(_ context.Context, req ReadRequest) (any, error) {
			h.reads++
			h.scopes = append(h.scopes, req.Scope)
			return map[string]any{"count": 1, "project": req.Scope.ProjectID}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}

	err = h.registry.RegisterMutating(&MutatingTool{
		Definition: Definition{
			Name:        "close_raid_item",
			Description: "Close a RAID item",
			Resource:    models.KindRAID,
			Params:      &closeParams{},
		},
		Operation: scope.OpClose,
		Prepare: func(context.Context, models.SessionContext, json.RawMessage) (Proposal, error) {
			return Proposal{}, nil
		},
		Execute: func(context.Context, models.SessionContext, json.RawMessage) (Execution, error) {
			h.executed++
			return Execution{}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterMutating: %v", err)
	}
	return h
}

var manager = models.SessionContext{ProjectID: "p1", User: models.UserContext{Role: models.UserRoleProjectManager, DisplayName: "Pat"}}

func call(name, input string) models.ToolCall {
	return models.ToolCall{ID: "call-" + name, Name: name, Input: json.RawMessage(input)}
}

func TestDispatch_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		call     models.ToolCall
		session  models.SessionContext
		wantKind string
	}{
		{"unknown tool", call("delete_project", `{}`), manager, "unsupported"},
		{"name too long", call(strings.Repeat("x", MaxToolNameLength+1), `{}`), manager, "validation"},
		{"bad enum", call("list_raid_items", `{"status":"pending"}`), manager, "validation"},
		{"unknown property", call("list_raid_items", `{"colour":"red"}`), manager, "validation"},
		{"missing required", call("close_raid_item", `{}`), manager, "validation"},
		{"malformed json", call("list_raid_items", `{"status":`), manager, "validation"},
		{
			name:     "partner has no raid grant",
			call:     call("list_raid_items", `{}`),
			session:  models.SessionContext{ProjectID: "p1", User: models.UserContext{Role: models.UserRolePartner, PartnerID: "acme"}},
			wantKind: "permission_denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.registry.Dispatch(ctx, tt.call, tt.session)
			if !out.Result.IsError {
				t.Fatalf("expected error result, got %s", out.Result.Content)
			}
			if out.Result.ErrorKind != tt.wantKind {
				t.Fatalf("kind = %s, want %s (%s)", out.Result.ErrorKind, tt.wantKind, out.Result.Content)
			}
			if out.Result.ToolCallID != tt.call.ID {
				t.Fatal("result must answer the originating call")
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(out.Result.Content), &body); err != nil {
				t.Fatalf("error content is not JSON: %v", err)
			}
		})
	}
	if h.reads != 0 {
		t.Fatalf("handler should not run on rejected calls, ran %d times", h.reads)
	}
}

func TestDispatch_ReadUsesScopeAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.registry.Dispatch(ctx, call("list_raid_items", `{"status":"open","limit":5}`), manager)
	if first.Result.IsError {
		t.Fatalf("unexpected error: %s", first.Result.Content)
	}
	// key order and whitespace must not matter
	second := h.registry.Dispatch(ctx, call("list_raid_items", `{ "limit":5, "status":"open" }`), manager)
	if second.Result.Content != first.Result.Content {
		t.Fatal("cached result should be identical")
	}
	if h.reads != 1 {
		t.Fatalf("expected one handler call, got %d", h.reads)
	}
	if h.scopes[0].ProjectID != "p1" || h.scopes[0].Kind != models.KindRAID {
		t.Fatalf("handler received unscoped filter: %+v", h.scopes[0])
	}

	other := manager
	other.User.DisplayName = "Sam"
	h.registry.Dispatch(ctx, call("list_raid_items", `{"status":"open","limit":5}`), other)
	if h.reads != 2 {
		t.Fatal("a different identity must not share cached results")
	}
}

func TestDispatch_ReadRetriesTransient(t *testing.T) {
	r := NewRegistry(Options{Retry: noSleepRetry()})
	attempts := 0
	_ = r.RegisterRead(&ReadTool{
		Definition: Definition{Name: "list_tasks", Resource: models.KindTask, Params: &listParams{}},
		Handler: func(context.Context, ReadRequest) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, datastore.ErrTransient
			}
			return []string{"ok"}, nil
		},
	})

	out := r.Dispatch(context.Background(), call("list_tasks", `{}`), manager)
	if out.Result.IsError || attempts != 3 {
		t.Fatalf("expected success after 3 attempts, got %d: %s", attempts, out.Result.Content)
	}

	attempts = -10
	out = r.Dispatch(context.Background(), call("list_tasks", `{}`), manager)
	if out.Result.ErrorKind != "transient" {
		t.Fatalf("expected transient after exhausting retries, got %s", out.Result.ErrorKind)
	}
	if strings.Contains(out.Result.Content, "datastore unavailable") {
		t.Fatal("technical detail leaked into tool result")
	}
}

func TestDispatch_PanicRecovered(t *testing.T) {
	r := NewRegistry(Options{Retry: noSleepRetry()})
	_ = r.RegisterRead(&ReadTool{
		Definition: Definition{Name: "list_tasks", Resource: models.KindTask},
		Handler: func(context.Context, ReadRequest) (any, error) {
			panic("nil map")
		},
	})
	out := r.Dispatch(context.Background(), call("list_tasks", `{}`), manager)
	if !out.Result.IsError || out.Result.ErrorKind != "internal" {
		t.Fatalf("expected internal error, got %+v", out.Result)
	}
	if strings.Contains(out.Result.Content, "nil map") {
		t.Fatal("panic detail leaked")
	}
}

func TestDispatch_MutatingAlwaysProposes(t *testing.T) {
	h := newHarness(t)
	out := h.registry.Dispatch(context.Background(), call("close_raid_item", `{"item":"R-007"}`), manager)
	if out.Result.IsError {
		t.Fatalf("unexpected error: %s", out.Result.Content)
	}
	if h.proposer.calls != 1 || h.executed != 0 {
		t.Fatalf("proposer calls=%d executed=%d", h.proposer.calls, h.executed)
	}
	if out.Action == nil || out.Action.Status != models.ActionProposed || out.Action.Token != "tok-1" {
		t.Fatalf("expected proposed action, got %+v", out.Action)
	}
	if !strings.Contains(out.Result.Content, "Nothing has changed yet") {
		t.Fatalf("LLM should be told nothing changed: %s", out.Result.Content)
	}
}

func TestDeclarationsFilteredByRole(t *testing.T) {
	h := newHarness(t)

	names := func(decls []Declaration) []string {
		out := make([]string, len(decls))
		for i, d := range decls {
			out[i] = d.Name
		}
		return out
	}

	pm := names(h.registry.Declarations(models.UserRoleProjectManager))
	if strings.Join(pm, ",") != "close_raid_item,list_raid_items" {
		t.Fatalf("manager declarations = %v", pm)
	}
	if got := names(h.registry.Declarations(models.UserRoleViewer)); strings.Join(got, ",") != "list_raid_items" {
		t.Fatalf("viewer declarations = %v", got)
	}
	if got := h.registry.Declarations(models.UserRolePartner); len(got) != 0 {
		t.Fatalf("partner should see no raid tools, got %v", names(got))
	}

	decl := h.registry.Declarations(models.UserRoleProjectManager)[0]
	var schema map[string]any
	if err := json.Unmarshal(decl.Schema, &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, ok := schema["$schema"]; ok {
		t.Fatal("meta keywords should be stripped")
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "item" {
		t.Fatalf("required = %v", schema["required"])
	}
}

func TestRegisterRejectsIncompleteTools(t *testing.T) {
	r := NewRegistry(Options{})
	if err := r.RegisterRead(&ReadTool{Definition: Definition{Name: "x", Resource: models.KindTask}}); err == nil {
		t.Fatal("expected missing handler error")
	}
	if err := r.RegisterMutating(&MutatingTool{Definition: Definition{Name: "y", Resource: models.KindTask}}); err == nil {
		t.Fatal("expected missing prepare/execute error")
	}
	handler := func(context.Context, ReadRequest) (any, error) { return nil, nil }
	if err := r.RegisterRead(&ReadTool{Definition: Definition{Name: "z"}, Handler: handler}); err == nil {
		t.Fatal("expected missing resource error")
	}
}

func TestCanonicalParameters(t *testing.T) {
	a, err := CanonicalParameters(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := canonicalJSON(json.RawMessage(`{ "a" : "x", "b": 1 }`))
	if string(a) != string(b) || string(a) != `{"a":"x","b":1}` {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}
