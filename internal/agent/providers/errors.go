package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed.
type FailureReason string

const (
	// FailureBilling indicates payment or quota issues (HTTP 402)
	FailureBilling FailureReason = "billing"

	// FailureRateLimit indicates rate limiting (HTTP 429)
	FailureRateLimit FailureReason = "rate_limit"

	// FailureAuth indicates authentication failure (HTTP 401, 403)
	FailureAuth FailureReason = "auth"

	// FailureTimeout indicates request timeout
	FailureTimeout FailureReason = "timeout"

	// FailureServerError indicates server-side issues (HTTP 5xx)
	FailureServerError FailureReason = "server_error"

	// FailureInvalidRequest indicates client-side issues (HTTP 400)
	FailureInvalidRequest FailureReason = "invalid_request"

	// FailureModelUnavailable indicates the model is not available
	FailureModelUnavailable FailureReason = "model_unavailable"

	// FailureUnknown indicates an unclassified error
	FailureUnknown FailureReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider. Its text never
// reaches end users; the dialogue loop translates it into an upstream error.
type ProviderError struct {
	// Reason categorizes the error for retry logic
	Reason FailureReason

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the provider's error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.RequestID != "" {
		parts = append(parts, "request_id="+e.RequestID)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from the cause text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailureUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies the error.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error's text and returns a FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "timeout", "deadline exceeded", "etimedout"):
		return FailureTimeout
	case containsAny(errStr, "rate limit", "rate_limit", "too many requests", "429"):
		return FailureRateLimit
	case containsAny(errStr, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return FailureAuth
	case containsAny(errStr, "billing", "payment", "quota", "insufficient", "402"):
		return FailureBilling
	case containsAny(errStr, "model not found", "model_not_found", "does not exist"):
		return FailureModelUnavailable
	case containsAny(errStr, "internal server", "server error", "overloaded", "connection reset",
		"connection refused", "500", "502", "503", "504", "529"):
		return FailureServerError
	}
	return FailureUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusPaymentRequired:
		return FailureBilling
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusBadRequest:
		return FailureInvalidRequest
	case status == http.StatusNotFound:
		return FailureModelUnavailable
	case status == http.StatusRequestTimeout:
		return FailureTimeout
	case status >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailureRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return FailureAuth
	case "billing_error", "insufficient_quota":
		return FailureBilling
	case "model_not_found", "not_found_error":
		return FailureModelUnavailable
	case "api_error", "overloaded_error", "server_error":
		return FailureServerError
	case "invalid_request_error":
		return FailureInvalidRequest
	default:
		return FailureUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
