package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const riskUUID = "5b0f1d2e-8c1a-4c3e-9a55-2f3d7e9b1c00"

func fixtures() *datastore.Memory {
	return datastore.NewMemory(
		models.Record{ID: riskUUID, Kind: models.KindRAID, ProjectID: "p1", RefCode: "R-007", Title: "Vendor delay", Status: "open",
			Fields: map[string]any{"category": models.RAIDRisk}},
		models.Record{ID: "r2", Kind: models.KindRAID, ProjectID: "p1", RefCode: "R-008", Title: "Budget overrun", Status: "open",
			Fields: map[string]any{"category": models.RAIDRisk}},
		models.Record{ID: "m1", Kind: models.KindMilestone, ProjectID: "p1", Title: "Phase 1 Review", Status: "planned"},
		models.Record{ID: "m2", Kind: models.KindMilestone, ProjectID: "p1", Title: "Phase 1 Review (draft)", Status: "planned"},
		models.Record{ID: "m3", Kind: models.KindMilestone, ProjectID: "p1", Title: "Design sign-off", Status: "planned"},
		models.Record{ID: "m4", Kind: models.KindMilestone, ProjectID: "p1", Title: "Design sign-off (internal)", Status: "planned"},
		models.Record{ID: "m5", Kind: models.KindMilestone, ProjectID: "p1", Title: "Design sign-off (external)", Status: "planned"},
		models.Record{ID: "m9", Kind: models.KindMilestone, ProjectID: "p2", Title: "Phase 1 Review", Status: "done"},
		models.Record{ID: "t1", Kind: models.KindTimesheet, ProjectID: "p1", Title: "Week 10", ResourceID: "res-1"},
		models.Record{ID: "t2", Kind: models.KindTimesheet, ProjectID: "p1", Title: "Week 10", ResourceID: "res-2"},
	)
}

func newResolver(store datastore.Store) *Resolver {
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return New(store, scope.NewEnforcer(nil), cfg, nil)
}

var pm = models.SessionContext{ProjectID: "p1", User: models.UserContext{Role: models.UserRoleProjectManager}}

func TestResolve(t *testing.T) {
	r := newResolver(fixtures())
	ctx := context.Background()

	tests := []struct {
		name       string
		identifier string
		kind       models.EntityKind
		session    models.SessionContext
		wantID     string
		wantKind   apperr.Kind
	}{
		{"ref code exact", "R-007", models.KindRAID, pm, riskUUID, ""},
		{"ref code without dash", "r7", models.KindRAID, pm, riskUUID, ""},
		{"uuid exact", riskUUID, models.KindRAID, pm, riskUUID, ""},
		{"single substring", "vendor", models.KindRAID, pm, riskUUID, ""},
		{"exact title wins over superstring", "Phase 1 Review", models.KindMilestone, pm, "m1", ""},
		{"exact title case-insensitive", "  phase 1 review ", models.KindMilestone, pm, "m1", ""},
		{"not found", "Cutover rehearsal", models.KindMilestone, pm, "", apperr.KindNotFound},
		{"empty identifier", "  ", models.KindMilestone, pm, "", apperr.KindValidation},
		{"unknown uuid", "00000000-0000-0000-0000-000000000000", models.KindRAID, pm, "", apperr.KindNotFound},
		{
			name:       "contributor only sees own timesheet",
			identifier: "Week 10",
			kind:       models.KindTimesheet,
			session:    models.SessionContext{ProjectID: "p1", User: models.UserContext{Role: models.UserRoleContributor, ResourceID: "res-2"}},
			wantID:     "t2",
		},
		{
			name:       "viewer of other project cannot see p1",
			identifier: "Vendor delay",
			kind:       models.KindRAID,
			session:    models.SessionContext{ProjectID: "p2", User: models.UserContext{Role: models.UserRoleViewer}},
			wantKind:   apperr.KindNotFound,
		},
		{
			name:       "partner denied raid",
			identifier: "R-007",
			kind:       models.KindRAID,
			session:    models.SessionContext{ProjectID: "p1", User: models.UserContext{Role: models.UserRolePartner, PartnerID: "acme"}},
			wantKind:   apperr.KindPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.identifier, tt.kind, tt.session)
			if tt.wantKind != "" {
				if !apperr.Is(err, tt.wantKind) {
					t.Fatalf("expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.ID != tt.wantID || !got.Resolved() {
				t.Fatalf("resolved %+v, want id %s", got, tt.wantID)
			}
			if got.Record == nil || got.Record.ID != tt.wantID {
				t.Fatal("expected the resolved record to be attached")
			}
		})
	}
}

func TestResolve_AmbiguousNeverAutoSelects(t *testing.T) {
	r := newResolver(fixtures())
	got, err := r.Resolve(context.Background(), "Design sign-off (", models.KindMilestone, pm)
	if !apperr.Is(err, apperr.KindAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
	if got.ID != "" {
		t.Fatal("ambiguous resolution must not select a record")
	}
	if got.AmbiguityCount != 2 || len(got.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", got)
	}
	e, _ := apperr.As(err)
	if len(e.Candidates) != 2 {
		t.Fatal("error should carry the candidates for the user")
	}
}

func crowdedMilestones(exactTitle string) *datastore.Memory {
	records := make([]models.Record, 0, searchLimit+11)
	for i := 0; i < searchLimit+10; i++ {
		records = append(records, models.Record{
			ID: fmt.Sprintf("m%03d", i), Kind: models.KindMilestone, ProjectID: "p1",
			RefCode: fmt.Sprintf("M-%03d", i+1), Title: fmt.Sprintf("Status Review %d", i), Status: "planned",
		})
	}
	if exactTitle != "" {
		records = append(records, models.Record{
			ID: "last", Kind: models.KindMilestone, ProjectID: "p1",
			RefCode: "M-999", Title: exactTitle, Status: "planned",
		})
	}
	return datastore.NewMemory(records...)
}

func TestResolve_ExactTitleBeyondSearchLimit(t *testing.T) {
	r := newResolver(crowdedMilestones("Status Review"))
	got, err := r.Resolve(context.Background(), "status review", models.KindMilestone, pm)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "last" || !got.Resolved() {
		t.Fatalf("resolved %+v, want the exact title match", got)
	}
}

func TestResolve_TruncatedCandidatesAreFlagged(t *testing.T) {
	r := newResolver(crowdedMilestones(""))
	got, err := r.Resolve(context.Background(), "Status Review", models.KindMilestone, pm)
	if !apperr.Is(err, apperr.KindAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
	if !got.Truncated {
		t.Error("expected Truncated to be set")
	}
	if len(got.Candidates) != searchLimit {
		t.Errorf("candidates = %d, want %d", len(got.Candidates), searchLimit)
	}
	e, _ := apperr.As(err)
	if !strings.Contains(e.Message, fmt.Sprintf("More than %d", searchLimit)) {
		t.Errorf("message %q should say the list was cut short", e.Message)
	}
}

func TestResolve_SmallAmbiguityIsNotTruncated(t *testing.T) {
	r := newResolver(fixtures())
	got, _ := r.Resolve(context.Background(), "Design sign-off (", models.KindMilestone, pm)
	if got.Truncated {
		t.Fatal("two candidates should not be flagged as truncated")
	}
}

func TestResolve_NotFoundSuggestions(t *testing.T) {
	r := newResolver(fixtures())
	_, err := r.Resolve(context.Background(), "vendr dly", models.KindRAID, pm)
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(e.Suggestions) == 0 || e.Suggestions[0] != "Vendor delay" {
		t.Fatalf("expected Vendor delay suggestion, got %v", e.Suggestions)
	}
	if len(e.Suggestions) > 3 {
		t.Fatalf("at most 3 suggestions, got %d", len(e.Suggestions))
	}
}

type flakyStore struct {
	datastore.Store
	failures int
	calls    int
}

func (f *flakyStore) Find(ctx context.Context, filter datastore.Filter) ([]models.Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, datastore.ErrTransient
	}
	return f.Store.Find(ctx, filter)
}

func TestResolve_RetriesTransientReads(t *testing.T) {
	store := &flakyStore{Store: fixtures(), failures: 2}
	r := newResolver(store)
	got, err := r.Resolve(context.Background(), "R-007", models.KindRAID, pm)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != riskUUID || store.calls != 3 {
		t.Fatalf("expected success on third attempt, calls=%d", store.calls)
	}

	store = &flakyStore{Store: fixtures(), failures: 10}
	r = newResolver(store)
	_, err = r.Resolve(context.Background(), "R-007", models.KindRAID, pm)
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("expected transient after exhausting retries, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", store.calls)
	}
	if !errors.Is(err, datastore.ErrTransient) {
		t.Fatal("cause should be preserved for logs")
	}
}
