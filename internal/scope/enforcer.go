package scope

import (
	"fmt"
	"sync/atomic"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// Enforcer applies the current matrix. The matrix can be swapped at runtime
// when the configuration file changes.
type Enforcer struct {
	matrix atomic.Pointer[Matrix]
}

// NewEnforcer creates an enforcer. A nil matrix uses DefaultMatrix.
func NewEnforcer(m Matrix) *Enforcer {
	e := &Enforcer{}
	if m == nil {
		m = DefaultMatrix()
	}
	e.Swap(m)
	return e
}

// Swap replaces the active matrix.
func (e *Enforcer) Swap(m Matrix) {
	normalized := m.Normalize()
	e.matrix.Store(&normalized)
}

// Matrix returns the active matrix.
func (e *Enforcer) Matrix() Matrix {
	return *e.matrix.Load()
}

func denied(format string, args ...any) *apperr.Error {
	return apperr.Wrap(apperr.KindPermission, fmt.Errorf(format, args...), "")
}

// Authorize checks that the caller's role holds op on resource.
func (e *Enforcer) Authorize(session models.SessionContext, resource models.EntityKind, op Operation) error {
	_, err := e.grant(session, resource, op)
	return err
}

// CanReach reports whether any grant lets the role perform op on resource.
// It ignores identity so it can be used to filter tool declarations.
func (e *Enforcer) CanReach(role models.UserRole, resource models.EntityKind, op Operation) bool {
	g, ok := e.Matrix().Lookup(role, resource)
	return ok && g.Allows(op)
}

func (e *Enforcer) grant(session models.SessionContext, resource models.EntityKind, op Operation) (Grant, error) {
	g, ok := e.Matrix().Lookup(session.User.Role, resource)
	if !ok {
		return Grant{}, denied("role %q has no access to %s", session.User.Role, resource)
	}
	if !g.Allows(op) {
		return Grant{}, denied("role %q may not %s %s", session.User.Role, op, resource)
	}
	switch g.Scope {
	case VisibilityOwn:
		if session.User.ResourceID == "" {
			return Grant{}, denied("%s on %s requires a resource identity", op, resource)
		}
	case VisibilityPartner:
		if session.User.PartnerID == "" {
			return Grant{}, denied("%s on %s requires a partner identity", op, resource)
		}
	}
	return g, nil
}

// Narrow rewrites filter so it can only match rows the caller may view. The
// project is always forced to the session's project.
func (e *Enforcer) Narrow(session models.SessionContext, resource models.EntityKind, filter datastore.Filter) (datastore.Filter, error) {
	g, err := e.grant(session, resource, OpView)
	if err != nil {
		return datastore.Filter{}, err
	}
	out := filter
	out.Kind = resource
	out.ProjectID = session.ProjectID
	switch g.Scope {
	case VisibilityOwn:
		out.ResourceID = session.User.ResourceID
	case VisibilityPartner:
		out.PartnerID = session.User.PartnerID
	}
	return out, nil
}

// CheckRecord verifies that op is allowed on a specific, freshly read record.
func (e *Enforcer) CheckRecord(session models.SessionContext, op Operation, record models.Record) error {
	g, err := e.grant(session, record.Kind, op)
	if err != nil {
		return err
	}
	if record.ProjectID != session.ProjectID {
		return denied("record %s belongs to another project", record.ID)
	}
	switch g.Scope {
	case VisibilityOwn:
		if record.ResourceID != session.User.ResourceID {
			return denied("record %s is not owned by the caller", record.ID)
		}
	case VisibilityPartner:
		if record.PartnerID != session.User.PartnerID {
			return denied("record %s belongs to another partner", record.ID)
		}
	}
	return nil
}

// Stamp sets ownership columns on a record about to be created so it falls
// inside the caller's scope.
func (e *Enforcer) Stamp(session models.SessionContext, record models.Record) (models.Record, error) {
	g, err := e.grant(session, record.Kind, OpCreate)
	if err != nil {
		return record, err
	}
	record.ProjectID = session.ProjectID
	switch g.Scope {
	case VisibilityOwn:
		record.ResourceID = session.User.ResourceID
	case VisibilityPartner:
		record.PartnerID = session.User.PartnerID
	}
	if record.PartnerID == "" && session.User.PartnerID != "" {
		record.PartnerID = session.User.PartnerID
	}
	if record.ResourceID == "" && session.User.ResourceID != "" {
		record.ResourceID = session.User.ResourceID
	}
	return record, nil
}
