// Package scope decides which operations a role may perform on which
// resources, and narrows data filters to the rows a caller may see.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/pmassist/pkg/models"
)

// Operation is an action on a resource.
type Operation string

const (
	OpView    Operation = "view"
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpApprove Operation = "approve"
	OpClose   Operation = "close"
)

// AllOperations lists every operation.
var AllOperations = []Operation{OpView, OpCreate, OpUpdate, OpApprove, OpClose}

// Visibility restricts which rows a grant covers.
type Visibility string

const (
	// VisibilityAll covers every record in the caller's project.
	VisibilityAll Visibility = "all"
	// VisibilityOwn covers records whose resource matches the caller's.
	VisibilityOwn Visibility = "own"
	// VisibilityPartner covers records belonging to the caller's partner.
	VisibilityPartner Visibility = "partner"
)

// Grant is the permission one role holds on one resource.
type Grant struct {
	Ops   []Operation `yaml:"ops" json:"ops"`
	Scope Visibility  `yaml:"scope" json:"scope"`
}

// Allows reports whether the grant includes op.
func (g Grant) Allows(op Operation) bool {
	for _, o := range g.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Matrix maps role → resource → grant. A missing pair denies everything.
type Matrix map[models.UserRole]map[models.EntityKind]Grant

// Lookup returns the grant for a role and resource.
func (m Matrix) Lookup(role models.UserRole, resource models.EntityKind) (Grant, bool) {
	resources, ok := m[role]
	if !ok {
		return Grant{}, false
	}
	g, ok := resources[resource]
	return g, ok
}

// Validate checks for unknown operations, scopes, and resources.
func (m Matrix) Validate() error {
	knownKinds := map[models.EntityKind]bool{}
	for _, k := range models.AllKinds {
		knownKinds[k] = true
	}
	knownOps := map[Operation]bool{}
	for _, op := range AllOperations {
		knownOps[op] = true
	}

	roles := make([]string, 0, len(m))
	for role := range m {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	for _, role := range roles {
		for resource, grant := range m[models.UserRole(role)] {
			if !knownKinds[resource] {
				return fmt.Errorf("role %s: unknown resource %q", role, resource)
			}
			switch grant.Scope {
			case VisibilityAll, VisibilityOwn, VisibilityPartner:
			default:
				return fmt.Errorf("role %s resource %s: unknown scope %q", role, resource, grant.Scope)
			}
			for _, op := range grant.Ops {
				if !knownOps[op] {
					return fmt.Errorf("role %s resource %s: unknown operation %q", role, resource, op)
				}
			}
		}
	}
	return nil
}

// Normalize lower-cases and trims every name so hand-written YAML matches.
func (m Matrix) Normalize() Matrix {
	out := make(Matrix, len(m))
	for role, resources := range m {
		r := models.UserRole(strings.ToLower(strings.TrimSpace(string(role))))
		if out[r] == nil {
			out[r] = make(map[models.EntityKind]Grant, len(resources))
		}
		for resource, grant := range resources {
			kind := models.EntityKind(strings.ToLower(strings.TrimSpace(string(resource))))
			g := Grant{Scope: Visibility(strings.ToLower(strings.TrimSpace(string(grant.Scope))))}
			if g.Scope == "" {
				g.Scope = VisibilityAll
			}
			for _, op := range grant.Ops {
				g.Ops = append(g.Ops, Operation(strings.ToLower(strings.TrimSpace(string(op)))))
			}
			out[r][kind] = g
		}
	}
	return out
}

func every(scope Visibility, ops ...Operation) map[models.EntityKind]Grant {
	out := make(map[models.EntityKind]Grant, len(models.AllKinds))
	for _, k := range models.AllKinds {
		out[k] = Grant{Ops: ops, Scope: scope}
	}
	return out
}

// DefaultMatrix returns the built-in role matrix.
func DefaultMatrix() Matrix {
	return Matrix{
		models.UserRoleAdmin:          every(VisibilityAll, AllOperations...),
		models.UserRoleProjectManager: every(VisibilityAll, AllOperations...),
		models.UserRoleContributor: {
			models.KindTimesheet: {Ops: []Operation{OpView, OpCreate, OpUpdate}, Scope: VisibilityOwn},
			models.KindExpense:   {Ops: []Operation{OpView, OpCreate, OpUpdate}, Scope: VisibilityOwn},
			models.KindTask:      {Ops: []Operation{OpView, OpCreate, OpUpdate}, Scope: VisibilityOwn},
			models.KindMilestone: {Ops: []Operation{OpView}, Scope: VisibilityAll},
			models.KindRAID:      {Ops: []Operation{OpView}, Scope: VisibilityAll},
		},
		models.UserRolePartner: {
			models.KindTimesheet: {Ops: []Operation{OpView, OpCreate, OpUpdate}, Scope: VisibilityOwn},
			models.KindExpense:   {Ops: []Operation{OpView, OpCreate, OpUpdate}, Scope: VisibilityOwn},
			models.KindTask:      {Ops: []Operation{OpView}, Scope: VisibilityPartner},
			models.KindMilestone: {Ops: []Operation{OpView}, Scope: VisibilityPartner},
		},
		models.UserRoleViewer: every(VisibilityAll, OpView),
	}
}
