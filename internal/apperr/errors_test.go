package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pmassist/pkg/models"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"structured", New(KindConflict, "changed"), KindConflict},
		{"wrapped structured", fmt.Errorf("outer: %w", New(KindPermission, "no")), KindPermission},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"bad gateway", errors.New("upstream returned 502 Bad Gateway"), KindTransient},
		{"rate limit", errors.New("429 too many requests"), KindRateLimited},
		{"forbidden", errors.New("forbidden"), KindPermission},
		{"no rows", errors.New("sql: no rows in result set"), KindNotFound},
		{"invalid", errors.New("invalid status value"), KindValidation},
		{"unknown", errors.New("kaboom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindTransient, errors.New("dial tcp: connection refused"), "").WithOp("datastore.find")
	err.Attempts = 3
	got := err.Error()
	for _, part := range []string{"[transient]", "datastore.find", "connection refused", "attempts=3"} {
		if !strings.Contains(got, part) {
			t.Errorf("Error() = %q, missing %q", got, part)
		}
	}
	if !errors.Is(err, err.Cause) {
		t.Error("expected Unwrap to expose cause")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
		recoverable bool
	}{
		{
			name:        "unknown falls back",
			err:         errors.New("pq: relation \"milestones\" does not exist"),
			wantMessage: FallbackMessage,
			recoverable: true,
		},
		{
			name:        "internal hides message",
			err:         Wrap(KindInternal, errors.New("nil map"), "nil map write in handler"),
			wantMessage: FallbackMessage,
			recoverable: true,
		},
		{
			name:        "permission default",
			err:         Wrap(KindPermission, errors.New("role viewer lacks update"), ""),
			wantMessage: "You don't have permission to do that.",
			recoverable: false,
		},
		{
			name:        "validation keeps user message",
			err:         New(KindValidation, "status must be one of open, closed"),
			wantMessage: "status must be one of open, closed",
			recoverable: true,
		},
		{
			name:        "rate limited includes wait",
			err:         &Error{Kind: KindRateLimited, RetryAfter: 1500 * time.Millisecond},
			wantMessage: "Please wait 2 seconds",
			recoverable: true,
		},
		{
			name: "ambiguous lists candidates",
			err: &Error{Kind: KindAmbiguous, Candidates: []models.Candidate{
				{ID: "1", DisplayName: "Milestone 'Phase 1 Review'"},
				{ID: "2", DisplayName: "Milestone 'Phase 1 Review (draft)'"},
			}},
			wantMessage: "Phase 1 Review (draft)",
			recoverable: true,
		},
		{
			name:        "not found suggestions",
			err:         &Error{Kind: KindNotFound, Suggestions: []string{"Vendor delay"}},
			wantMessage: "Did you mean: Vendor delay?",
			recoverable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err)
			if !strings.Contains(got.UserMessage, tt.wantMessage) {
				t.Errorf("UserMessage = %q, want it to contain %q", got.UserMessage, tt.wantMessage)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
		})
	}
}

func TestTranslateNeverLeaksCause(t *testing.T) {
	err := Wrap(KindTransient, errors.New("dial tcp 10.0.0.5:5432: connection refused"), "")
	got := Translate(err)
	if strings.Contains(got.UserMessage, "10.0.0.5") {
		t.Fatalf("translation leaked diagnostic detail: %q", got.UserMessage)
	}
	if !strings.Contains(Diagnostic(err), "10.0.0.5") {
		t.Fatalf("diagnostic should keep the cause: %q", Diagnostic(err))
	}
}
