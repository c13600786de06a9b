package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/cache"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Proposer turns a mutating call into a pending action awaiting
// confirmation. confirm.Gate implements it.
type Proposer interface {
	Propose(ctx context.Context, session models.SessionContext, tool *MutatingTool, params json.RawMessage) (models.ActionSummary, error)
}

// Options wires the registry's collaborators.
type Options struct {
	Enforcer *scope.Enforcer
	Cache    *cache.Cache
	Retry    retry.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

type entry struct {
	read     *ReadTool
	mutating *MutatingTool
	decl     Declaration
	schema   *validator.Schema
}

func (e *entry) definition() Definition {
	if e.read != nil {
		return e.read.Definition
	}
	return e.mutating.Definition
}

func (e *entry) variant() string {
	if e.read != nil {
		return "read"
	}
	return "mutating"
}

// Registry holds tools and dispatches LLM tool calls to them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	proposer Proposer
	opts     Options
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Enforcer == nil {
		opts.Enforcer = scope.NewEnforcer(nil)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger.With("component", "tools"),
	}
}

// UseProposer installs the confirmation gate. Mutating calls fail with an
// internal error until one is set.
func (r *Registry) UseProposer(p Proposer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposer = p
}

// RegisterRead adds a read tool, replacing any tool with the same name.
func (r *Registry) RegisterRead(t *ReadTool) error {
	if t == nil || t.Handler == nil {
		return fmt.Errorf("read tool requires a handler")
	}
	return r.register(&entry{read: t})
}

// RegisterMutating adds a mutating tool, replacing any tool with the same name.
func (r *Registry) RegisterMutating(t *MutatingTool) error {
	if t == nil || t.Prepare == nil || t.Execute == nil {
		return fmt.Errorf("mutating tool requires prepare and execute")
	}
	if t.Operation == "" {
		return fmt.Errorf("mutating tool %s requires an operation", t.Name)
	}
	return r.register(&entry{mutating: t})
}

func (r *Registry) register(e *entry) error {
	def := e.definition()
	if def.Name == "" || len(def.Name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", def.Name)
	}
	if def.Resource == "" && def.ResourceParam == "" {
		return fmt.Errorf("tool %s has no resource", def.Name)
	}
	schema, err := reflectSchema(def.Params)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	compiled, err := compileSchema(def.Name, schema)
	if err != nil {
		return err
	}
	e.schema = compiled
	e.decl = Declaration{
		Name:        def.Name,
		Description: def.Description,
		Schema:      schema,
		Mutating:    e.mutating != nil,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = e
	return nil
}

// Mutating returns a registered mutating tool by name.
func (r *Registry) Mutating(name string) (*MutatingTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.mutating == nil {
		return nil, false
	}
	return e.mutating, true
}

// IsRead reports whether name is a registered read tool.
func (r *Registry) IsRead(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.read != nil
}

// Declarations lists the tools a role could use at all, sorted by name.
// Tools the matrix never allows are hidden from the LLM.
func (r *Registry) Declarations(role models.UserRole) []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Declaration, 0, len(r.entries))
	for _, e := range r.entries {
		if r.reachable(role, e) {
			out = append(out, e.decl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) reachable(role models.UserRole, e *entry) bool {
	def := e.definition()
	op := scope.OpView
	if e.mutating != nil {
		op = e.mutating.Operation
	}
	if def.ResourceParam != "" {
		for _, kind := range models.AllKinds {
			if r.opts.Enforcer.CanReach(role, kind, op) {
				return true
			}
		}
		return false
	}
	return r.opts.Enforcer.CanReach(role, def.Resource, op)
}

// Dispatch runs one tool call and always returns a result for it. Failures
// become error results; only the caller decides whether to abort.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall, session models.SessionContext) (out Outcome) {
	start := time.Now()
	variant := "unknown"
	outcome := "success"
	defer func() {
		r.opts.Metrics.RecordToolDispatch(call.Name, variant, outcome, time.Since(start).Seconds())
	}()

	fail := func(err error) Outcome {
		outcome = string(apperr.KindOf(err))
		return Outcome{Result: errorResult(call.ID, err)}
	}

	if len(call.Name) > MaxToolNameLength {
		return fail(apperr.Newf(apperr.KindValidation, "Tool name exceeds maximum length of %d characters.", MaxToolNameLength))
	}
	if len(call.Input) > MaxToolParamsSize {
		return fail(apperr.Newf(apperr.KindValidation, "Tool parameters exceed maximum size of %d bytes.", MaxToolParamsSize))
	}

	r.mu.RLock()
	e, ok := r.entries[call.Name]
	proposer := r.proposer
	r.mu.RUnlock()
	if !ok {
		r.logger.WarnContext(ctx, "unsupported tool requested", "tool", call.Name)
		return fail(apperr.Newf(apperr.KindUnsupported, "The operation %q isn't supported.", call.Name))
	}
	variant = e.variant()

	ctx, span := r.opts.Tracer.TraceToolDispatch(ctx, call.Name, variant)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			err := apperr.Wrap(apperr.KindInternal, fmt.Errorf("panic: %v", rec), "").WithOp("tools." + call.Name)
			r.opts.Tracer.RecordError(span, err)
			out = fail(err)
		}
	}()

	if err := validateParams(e.schema, call.Input); err != nil {
		return fail(apperr.Wrap(apperr.KindValidation, err,
			fmt.Sprintf("The %s request had invalid parameters: %s", call.Name, err.Error())))
	}

	if e.read != nil {
		content, err := r.dispatchRead(ctx, e.read, call, session)
		if err != nil {
			r.opts.Tracer.RecordError(span, err)
			return fail(err)
		}
		return Outcome{Result: models.ToolResult{ToolCallID: call.ID, Content: string(content)}}
	}

	if proposer == nil {
		return fail(apperr.Wrap(apperr.KindInternal, fmt.Errorf("no confirmation gate configured"), ""))
	}
	summary, err := proposer.Propose(ctx, session, e.mutating, call.Input)
	if err != nil {
		r.opts.Tracer.RecordError(span, err)
		return fail(err)
	}
	outcome = "proposed"
	content, err := json.Marshal(proposalContent{
		Status:  summary.Status,
		Token:   summary.Token,
		Action:  summary.Action,
		Preview: summary.Preview,
		Note:    "Nothing has changed yet. Show the preview to the user and wait for them to confirm.",
	})
	if err != nil {
		return fail(apperr.Wrap(apperr.KindInternal, err, ""))
	}
	return Outcome{
		Result: models.ToolResult{ToolCallID: call.ID, Content: string(content)},
		Action: &summary,
	}
}

type proposalContent struct {
	Status  models.ActionStatus `json:"status"`
	Token   string              `json:"token"`
	Action  string              `json:"action"`
	Preview string              `json:"preview"`
	Note    string              `json:"note"`
}

func (r *Registry) dispatchRead(ctx context.Context, t *ReadTool, call models.ToolCall, session models.SessionContext) (json.RawMessage, error) {
	resource, err := resourceFor(t.Definition, call.Input)
	if err != nil {
		return nil, err
	}
	scoped, err := r.opts.Enforcer.Narrow(session, resource, datastore.Filter{})
	if err != nil {
		return nil, err
	}
	params, err := canonicalJSON(call.Input)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "The request parameters were not valid JSON.")
	}
	req := ReadRequest{Session: session, Resource: resource, Scope: scoped, Params: params}

	load := func(ctx context.Context) (json.RawMessage, error) {
		value, res := retry.DoWithValue(ctx, r.opts.Retry, func(ctx context.Context) (any, error) {
			return t.Handler(ctx, req)
		})
		r.opts.Metrics.RecordRetry("tools."+t.Name, res.Attempts)
		if res.Err != nil {
			r.logger.WarnContext(ctx, "read tool failed", "tool", t.Name, "attempts", res.Attempts, "error", res.Err)
			return nil, res.Err
		}
		return json.Marshal(value)
	}

	if !t.Cacheable || !r.opts.Cache.Enabled() {
		return load(ctx)
	}
	key, err := cache.Key(t.Name, struct {
		Scope  datastore.Filter `json:"scope"`
		Params json.RawMessage  `json:"params"`
	}{scoped, params}, session.Identity())
	if err != nil {
		return load(ctx)
	}
	content, hit, err := r.opts.Cache.GetOrLoad(ctx, key, load)
	if err != nil {
		return nil, err
	}
	r.opts.Metrics.RecordCacheLookup(hit)
	return content, nil
}

func resourceFor(def Definition, params json.RawMessage) (models.EntityKind, error) {
	if def.ResourceParam == "" {
		return def.Resource, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(params, &fields); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "The request parameters were not valid JSON.")
	}
	raw, _ := fields[def.ResourceParam].(string)
	kind, err := models.ParseEntityKind(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err,
			fmt.Sprintf("%q isn't a record type I know. Try one of: %s.", raw, kindList()))
	}
	return kind, nil
}

func kindList() string {
	names := make([]string, len(models.AllKinds))
	for i, k := range models.AllKinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

type errorContent struct {
	Error       string             `json:"error"`
	Kind        apperr.Kind        `json:"kind"`
	Recoverable bool               `json:"recoverable"`
	Candidates  []models.Candidate `json:"candidates,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
}

// errorResult renders err as a tool result. Only the translated message
// reaches the LLM; technical detail stays in logs.
func errorResult(callID string, err error) models.ToolResult {
	t := apperr.Translate(err)
	body := errorContent{Error: t.UserMessage, Kind: t.Kind, Recoverable: t.Recoverable}
	if e, ok := apperr.As(err); ok {
		body.Candidates = e.Candidates
		body.Suggestions = e.Suggestions
	}
	content, mErr := json.Marshal(body)
	if mErr != nil {
		content = []byte(fmt.Sprintf(`{"error":%q,"kind":%q}`, t.UserMessage, t.Kind))
	}
	return models.ToolResult{
		ToolCallID: callID,
		Content:    string(content),
		IsError:    true,
		ErrorKind:  string(t.Kind),
	}
}
