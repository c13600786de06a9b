package scope

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/pkg/models"
)

func session(role models.UserRole, resourceID, partnerID string) models.SessionContext {
	return models.SessionContext{
		ProjectID: "p1",
		User:      models.UserContext{Role: role, ResourceID: resourceID, PartnerID: partnerID},
	}
}

func TestAuthorize(t *testing.T) {
	e := NewEnforcer(nil)
	tests := []struct {
		name     string
		session  models.SessionContext
		resource models.EntityKind
		op       Operation
		allowed  bool
	}{
		{"pm closes raid", session(models.UserRoleProjectManager, "", ""), models.KindRAID, OpClose, true},
		{"viewer cannot update", session(models.UserRoleViewer, "", ""), models.KindTask, OpUpdate, false},
		{"viewer can view", session(models.UserRoleViewer, "", ""), models.KindExpense, OpView, true},
		{"contributor logs own time", session(models.UserRoleContributor, "res-1", ""), models.KindTimesheet, OpCreate, true},
		{"contributor without resource id", session(models.UserRoleContributor, "", ""), models.KindTimesheet, OpView, false},
		{"contributor cannot approve", session(models.UserRoleContributor, "res-1", ""), models.KindTimesheet, OpApprove, false},
		{"partner has no raid access", session(models.UserRolePartner, "res-9", "acme"), models.KindRAID, OpView, false},
		{"partner without partner id", session(models.UserRolePartner, "res-9", ""), models.KindMilestone, OpView, false},
		{"unknown role", session("auditor", "", ""), models.KindMilestone, OpView, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Authorize(tt.session, tt.resource, tt.op)
			if tt.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tt.allowed && !apperr.Is(err, apperr.KindPermission) {
				t.Fatalf("expected permission_denied, got %v", err)
			}
		})
	}
}

func TestNarrow(t *testing.T) {
	e := NewEnforcer(nil)

	t.Run("contributor filter restricted to own resource", func(t *testing.T) {
		in := datastore.Filter{ProjectID: "other", ResourceID: "res-2", Statuses: []string{"submitted"}}
		got, err := e.Narrow(session(models.UserRoleContributor, "res-1", ""), models.KindTimesheet, in)
		if err != nil {
			t.Fatalf("Narrow: %v", err)
		}
		if got.ProjectID != "p1" || got.ResourceID != "res-1" || got.Kind != models.KindTimesheet {
			t.Fatalf("unexpected narrowed filter: %+v", got)
		}
		if len(got.Statuses) != 1 {
			t.Fatal("caller constraints should be preserved")
		}
	})

	t.Run("partner filter restricted to partner", func(t *testing.T) {
		got, err := e.Narrow(session(models.UserRolePartner, "res-9", "acme"), models.KindMilestone, datastore.Filter{})
		if err != nil {
			t.Fatalf("Narrow: %v", err)
		}
		if got.PartnerID != "acme" || got.ResourceID != "" {
			t.Fatalf("unexpected narrowed filter: %+v", got)
		}
	})

	t.Run("manager sees whole project", func(t *testing.T) {
		got, err := e.Narrow(session(models.UserRoleProjectManager, "res-1", ""), models.KindTimesheet, datastore.Filter{})
		if err != nil {
			t.Fatalf("Narrow: %v", err)
		}
		if got.ResourceID != "" || got.ProjectID != "p1" {
			t.Fatalf("unexpected narrowed filter: %+v", got)
		}
	})
}

func TestCheckRecord(t *testing.T) {
	e := NewEnforcer(nil)
	own := models.Record{ID: "t1", Kind: models.KindTimesheet, ProjectID: "p1", ResourceID: "res-1"}
	other := models.Record{ID: "t2", Kind: models.KindTimesheet, ProjectID: "p1", ResourceID: "res-2"}
	foreign := models.Record{ID: "t3", Kind: models.KindTimesheet, ProjectID: "p2", ResourceID: "res-1"}

	contributor := session(models.UserRoleContributor, "res-1", "")
	if err := e.CheckRecord(contributor, OpUpdate, own); err != nil {
		t.Fatalf("own record should pass: %v", err)
	}
	if err := e.CheckRecord(contributor, OpUpdate, other); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("other's record should be denied, got %v", err)
	}
	if err := e.CheckRecord(contributor, OpUpdate, foreign); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("other project should be denied, got %v", err)
	}
	if err := e.CheckRecord(session(models.UserRoleProjectManager, "", ""), OpApprove, other); err != nil {
		t.Fatalf("manager should approve any project record: %v", err)
	}
}

func TestStamp(t *testing.T) {
	e := NewEnforcer(nil)
	rec, err := e.Stamp(session(models.UserRoleContributor, "res-1", ""),
		models.Record{Kind: models.KindTimesheet, ProjectID: "spoofed", ResourceID: "res-2"})
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if rec.ProjectID != "p1" || rec.ResourceID != "res-1" {
		t.Fatalf("ownership not enforced: %+v", rec)
	}
}

func TestMatrixFromYAML(t *testing.T) {
	raw := `
Project_Manager:
  milestone: {ops: [VIEW, update], scope: all}
viewer:
  task: {ops: [view]}
`
	var m Matrix
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	m = m.Normalize()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	e := NewEnforcer(m)
	pm := session(models.UserRoleProjectManager, "", "")
	if err := e.Authorize(pm, models.KindMilestone, OpUpdate); err != nil {
		t.Fatalf("expected configured grant: %v", err)
	}
	if err := e.Authorize(pm, models.KindRAID, OpView); !apperr.Is(err, apperr.KindPermission) {
		t.Fatal("pairs absent from a custom matrix must be denied")
	}
	if !e.CanReach(models.UserRoleViewer, models.KindTask, OpView) {
		t.Fatal("viewer should reach task view")
	}

	bad := Matrix{models.UserRoleViewer: {models.KindTask: {Ops: []Operation{"delete"}, Scope: VisibilityAll}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown operation to fail validation")
	}
}

func TestSwap(t *testing.T) {
	e := NewEnforcer(nil)
	viewer := session(models.UserRoleViewer, "", "")
	if err := e.Authorize(viewer, models.KindTask, OpView); err != nil {
		t.Fatalf("default viewer view: %v", err)
	}
	e.Swap(Matrix{})
	if err := e.Authorize(viewer, models.KindTask, OpView); err == nil {
		t.Fatal("empty matrix should deny everything")
	}
}
