// Package pm provides the project-management tools the assistant exposes:
// scoped list and lookup reads over milestones, tasks, RAID items, timesheets
// and expenses, plus the confirmation-gated mutations on them.
package pm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/resolver"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// Tools builds the PM tool set over a data store.
type Tools struct {
	store    datastore.Store
	resolver *resolver.Resolver
	enforcer *scope.Enforcer
	now      func() time.Time
}

// New creates the tool set. The enforcer stamps ownership on created records.
func New(store datastore.Store, res *resolver.Resolver, enforcer *scope.Enforcer) *Tools {
	if enforcer == nil {
		enforcer = scope.NewEnforcer(nil)
	}
	return &Tools{store: store, resolver: res, enforcer: enforcer, now: time.Now}
}

// Register adds every PM tool to r.
func (t *Tools) Register(r *tools.Registry) error {
	for _, rt := range t.readTools() {
		if err := r.RegisterRead(rt); err != nil {
			return fmt.Errorf("register %s: %w", rt.Name, err)
		}
	}
	for _, mt := range t.mutatingTools() {
		if err := r.RegisterMutating(mt); err != nil {
			return fmt.Errorf("register %s: %w", mt.Name, err)
		}
	}
	return nil
}

// resolve finds exactly one record or returns the resolver's error, which
// already carries candidates or suggestions for the LLM.
func (t *Tools) resolve(ctx context.Context, session models.SessionContext, reference string, kind models.EntityKind) (*models.Record, error) {
	entity, err := t.resolver.Resolve(ctx, reference, kind, session)
	if err != nil {
		return nil, err
	}
	if !entity.Resolved() || entity.Record == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "I couldn't find a %s matching %q.", kind, reference)
	}
	return entity.Record, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "The request parameters were not valid JSON.")
	}
	return nil
}
