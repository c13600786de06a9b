// Package datastore is the boundary to the relational project data. Callers
// never see query syntax; they pass a Filter that the permission layer has
// already narrowed.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/pkg/models"
)

var (
	// ErrNotFound indicates the record does not exist within the filter.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a concurrent modification or duplicate key.
	ErrConflict = errors.New("record conflict")
	// ErrTransient indicates a retryable connectivity failure.
	ErrTransient = fmt.Errorf("datastore unavailable: %w", retry.ErrTransient)
	// ErrPermission indicates the store itself refused the operation.
	ErrPermission = errors.New("datastore permission denied")
)

// DefaultLimit caps list results when the filter does not set a limit.
const DefaultLimit = 50

// Filter selects records. Empty fields do not constrain the result.
type Filter struct {
	Kind       models.EntityKind `json:"kind"`
	ProjectID  string            `json:"projectId"`
	ResourceID string            `json:"resourceId,omitempty"`
	PartnerID  string            `json:"partnerId,omitempty"`
	IDs        []string          `json:"ids,omitempty"`
	RefCode    string            `json:"refCode,omitempty"`
	Statuses   []string          `json:"statuses,omitempty"`
	// TitleContains matches titles case-insensitively.
	TitleContains string `json:"titleContains,omitempty"`
	// TitleEquals matches the trimmed title exactly, ignoring case.
	TitleEquals string `json:"titleEquals,omitempty"`
	// Fields matches exact string values in Record.Fields.
	Fields map[string]string `json:"fields,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// EffectiveLimit returns the row cap to apply.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return DefaultLimit
	}
	return f.Limit
}

// Patch is a partial update. Nil pointers leave columns unchanged.
type Patch struct {
	Title  *string        `json:"title,omitempty"`
	Status *string        `json:"status,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Status == nil && len(p.Fields) == 0
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r models.Record) models.Record {
	out := r.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if len(p.Fields) > 0 && out.Fields == nil {
		out.Fields = make(map[string]any, len(p.Fields))
	}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

// Store is implemented by the memory and SQL backends.
type Store interface {
	Get(ctx context.Context, kind models.EntityKind, id string) (*models.Record, error)
	Find(ctx context.Context, filter Filter) ([]models.Record, error)
	Update(ctx context.Context, kind models.EntityKind, id string, patch Patch) (*models.Record, error)
	Create(ctx context.Context, record models.Record) (*models.Record, error)
}
