// Package confirm implements the two-step mutation protocol: a mutating tool
// call only produces a proposal, and the proposal executes once the same
// user explicitly confirms the identical parameters.
package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/kv"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// DefaultTTL is how long a proposal stays confirmable.
const DefaultTTL = 15 * time.Minute

const (
	pendingPrefix = "pending:"
	claimPrefix   = "claim:"
)

// ToolLookup finds mutating tools by name. tools.Registry implements it.
type ToolLookup interface {
	Mutating(name string) (*tools.MutatingTool, bool)
}

// Options configures a Gate.
type Options struct {
	Store    kv.Backend
	Enforcer *scope.Enforcer
	TTL      time.Duration
	Retry    retry.Config
	Clock    kv.Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	// NewToken overrides token generation in tests.
	NewToken func() string
}

// Gate stores proposals and executes them on confirmation.
type Gate struct {
	tools    ToolLookup
	store    kv.Backend
	enforcer *scope.Enforcer
	ttl      time.Duration
	retry    retry.Config
	now      kv.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	newToken func() string
}

// NewGate creates a gate.
func NewGate(lookup ToolLookup, opts Options) *Gate {
	g := &Gate{
		tools:    lookup,
		store:    opts.Store,
		enforcer: opts.Enforcer,
		ttl:      opts.TTL,
		retry:    opts.Retry,
		now:      opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		newToken: opts.NewToken,
	}
	if g.enforcer == nil {
		g.enforcer = scope.NewEnforcer(nil)
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.retry.MaxAttempts == 0 {
		g.retry = retry.DefaultConfig()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "confirm")
	if g.newToken == nil {
		g.newToken = uuid.NewString
	}
	return g
}

// Propose validates and previews a mutation and stores it under a fresh
// token. Nothing is mutated.
func (g *Gate) Propose(ctx context.Context, session models.SessionContext, tool *tools.MutatingTool, params json.RawMessage) (models.ActionSummary, error) {
	if err := g.enforcer.Authorize(session, tool.Resource, tool.Operation); err != nil {
		return models.ActionSummary{}, err
	}

	proposal, err := tool.Prepare(ctx, session, params)
	if err != nil {
		return models.ActionSummary{}, err
	}
	if proposal.Target != nil {
		if err := g.enforcer.CheckRecord(session, tool.Operation, *proposal.Target); err != nil {
			return models.ActionSummary{}, err
		}
	}

	canonical, err := tools.CanonicalParameters(proposal.Parameters)
	if err != nil {
		return models.ActionSummary{}, apperr.Wrap(apperr.KindInternal, err, "").WithOp("confirm.propose")
	}

	now := g.now().UTC()
	pending := models.PendingAction{
		Token:       g.newToken(),
		ActionName:  tool.Name,
		Parameters:  canonical,
		PreviewText: proposal.Preview,
		Identity:    session.Identity(),
		ProjectID:   session.ProjectID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return models.ActionSummary{}, apperr.Wrap(apperr.KindInternal, err, "").WithOp("confirm.propose")
	}
	if err := g.store.Set(ctx, pendingPrefix+pending.Token, raw, g.ttl); err != nil {
		return models.ActionSummary{}, apperr.Wrap(apperr.KindOf(err), err, "").WithOp("confirm.store")
	}

	g.metrics.RecordConfirmation(string(models.ActionProposed))
	g.logger.InfoContext(ctx, "action proposed", "action", tool.Name, "token", pending.Token)
	return models.ActionSummary{
		Action:     tool.Name,
		Status:     models.ActionProposed,
		Token:      pending.Token,
		Parameters: canonical,
		Preview:    proposal.Preview,
	}, nil
}

// Confirm executes a stored proposal. Any mismatch rejects the request and
// leaves the data untouched.
func (g *Gate) Confirm(ctx context.Context, session models.SessionContext, c models.Confirmation) (models.ActionSummary, error) {
	summary := models.ActionSummary{Action: c.Action, Token: c.Token, Status: models.ActionRejected}
	reject := func(err *apperr.Error) (models.ActionSummary, error) {
		summary.Message = apperr.Translate(err).UserMessage
		g.metrics.RecordConfirmation(string(models.ActionRejected))
		g.logger.WarnContext(ctx, "confirmation rejected", "action", c.Action, "token", c.Token, "error", err)
		return summary, err.WithOp("confirm.confirm")
	}

	if !c.Confirmed {
		return reject(apperr.New(apperr.KindValidation, "That action wasn't confirmed, so nothing was changed."))
	}

	pending, err := g.load(ctx, c.Token)
	if err != nil {
		return reject(toAppErr(err))
	}
	if pending == nil || pending.Expired(g.now()) {
		return reject(apperr.New(apperr.KindNotFound,
			"I couldn't find a pending action matching that confirmation. It may have expired, so please ask again."))
	}
	summary.Preview = pending.PreviewText
	summary.Parameters = pending.Parameters

	if pending.Identity != session.Identity() || pending.ProjectID != session.ProjectID {
		return reject(apperr.New(apperr.KindPermission, "That confirmation belongs to a different user or project."))
	}
	if pending.ActionName != c.Action {
		return reject(apperr.Newf(apperr.KindValidation,
			"The confirmed action %q doesn't match the proposal, so nothing was changed.", c.Action))
	}
	supplied, err := tools.CanonicalParameters(c.Parameters)
	if err != nil || !bytes.Equal(supplied, pending.Parameters) {
		return reject(apperr.New(apperr.KindValidation,
			"The confirmed details differ from what was proposed, so nothing was changed."))
	}

	tool, ok := g.tools.Mutating(pending.ActionName)
	if !ok {
		return reject(apperr.Newf(apperr.KindUnsupported, "The operation %q isn't supported.", pending.ActionName))
	}
	if err := g.enforcer.Authorize(session, tool.Resource, tool.Operation); err != nil {
		return reject(toAppErr(err))
	}
	if tool.Target != nil {
		fresh, res := retry.DoWithValue(ctx, g.retry, func(ctx context.Context) (*models.Record, error) {
			return tool.Target(ctx, pending.Parameters)
		})
		if res.Err != nil {
			return reject(toAppErr(res.Err))
		}
		if err := g.enforcer.CheckRecord(session, tool.Operation, *fresh); err != nil {
			return reject(toAppErr(err))
		}
	}

	if err := g.claim(ctx, pending.Token); err != nil {
		return reject(toAppErr(err))
	}

	execution, err := tool.Execute(ctx, session, pending.Parameters)
	if err != nil {
		summary.Status = models.ActionFailed
		summary.Message = apperr.Translate(err).UserMessage
		g.metrics.RecordConfirmation(string(models.ActionFailed))
		g.logger.ErrorContext(ctx, "confirmed action failed", "action", pending.ActionName, "token", pending.Token, "error", err)
		return summary, err
	}

	summary.Status = models.ActionSucceeded
	summary.Message = execution.Message
	summary.RecordID = execution.RecordID
	g.metrics.RecordConfirmation(string(models.ActionSucceeded))
	g.logger.InfoContext(ctx, "confirmed action executed", "action", pending.ActionName, "token", pending.Token, "record_id", execution.RecordID)
	return summary, nil
}

// Pending returns the stored proposal for token, or nil when absent.
func (g *Gate) Pending(ctx context.Context, token string) (*models.PendingAction, error) {
	return g.load(ctx, token)
}

func (g *Gate) load(ctx context.Context, token string) (*models.PendingAction, error) {
	if token == "" {
		return nil, nil
	}
	raw, ok, err := g.store.Get(ctx, pendingPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("load pending action: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var pending models.PendingAction
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("decode pending action: %w", err)
	}
	return &pending, nil
}

var errAlreadyClaimed = errors.New("pending action already claimed")

// claim makes the token single use. The counter increment is atomic in every
// backend, so of two concurrent confirmations only the first proceeds.
func (g *Gate) claim(ctx context.Context, token string) error {
	count, _, err := g.store.Increment(ctx, claimPrefix+token, g.ttl)
	if err != nil {
		return fmt.Errorf("claim pending action: %w", err)
	}
	if count != 1 {
		return apperr.Wrap(apperr.KindNotFound, errAlreadyClaimed,
			"That action has already been handled. Please ask again if you want to repeat it.")
	}
	if err := g.store.Delete(ctx, pendingPrefix+token); err != nil {
		g.logger.WarnContext(ctx, "failed to delete claimed action", "token", token, "error", err)
	}
	return nil
}

func toAppErr(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok {
		return e
	}
	return apperr.Wrap(apperr.KindOf(err), err, "")
}
