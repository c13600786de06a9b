// Package apperr defines the error taxonomy shared by the assistant and
// translates failures into short user-facing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/pkg/models"
)

// Kind categorizes a failure for handling and translation.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindPermission     Kind = "permission_denied"
	KindNotFound       Kind = "not_found"
	KindAmbiguous      Kind = "ambiguous"
	KindTransient      Kind = "transient"
	KindUpstream       Kind = "upstream"
	KindRateLimited    Kind = "rate_limited"
	KindUnsupported    Kind = "unsupported"
	KindIterationLimit Kind = "iteration_limit"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Error is a classified failure. Message is safe to show to end users;
// Cause carries technical detail that must only reach logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error

	// Candidates lists the choices for an ambiguous reference.
	Candidates []models.Candidate
	// Suggestions lists near matches for a missing reference.
	Suggestions []string
	// RetryAfter is set for rate-limited failures.
	RetryAfter time.Duration
	// Attempts is the number of tries made before giving up.
	Attempts int
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (attempts=%d)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind with a user-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. The message may be empty, in which case
// translation falls back to the kind's default text.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Cause: cause, Message: message}
}

// WithOp records the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, classifying unstructured errors by their
// message signature.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return classify(err)
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindInternal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return KindRateLimited
	case containsAny(msg, "permission denied", "forbidden", "unauthorized", "not allowed"):
		return KindPermission
	case containsAny(msg, "not found", "no rows"):
		return KindNotFound
	case containsAny(msg, "conflict", "version mismatch", "concurrent update"):
		return KindConflict
	case containsAny(msg, "invalid", "required", "must be", "validation"):
		return KindValidation
	case containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused",
		"broken pipe", "eof", "502", "503", "504", "bad gateway", "service unavailable", "gateway timeout"):
		return KindTransient
	default:
		return KindInternal
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
