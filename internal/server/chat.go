package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// chatResponse is the /v1/chat body. Failed requests still carry the
// actions and usage accumulated before the failure.
type chatResponse struct {
	*agent.Response
	RequestID         string              `json:"requestId,omitempty"`
	Error             *apperr.Translation `json:"error,omitempty"`
	RetryAfterSeconds int                 `json:"retryAfterSeconds,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.GetRequestID(ctx)

	var req agent.Request
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, requestID, nil, err)
		return
	}
	if err := req.Session.Validate(); err != nil {
		s.fail(w, r, requestID, nil, apperr.Wrap(apperr.KindValidation, err, "The request is missing session details: "+err.Error()+"."))
		return
	}

	identity := req.Session.Identity()
	ctx = observability.AddProject(ctx, req.Session.ProjectID)
	ctx = observability.AddIdentity(ctx, identity)

	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, identity)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "rate limiter unavailable, admitting request", "error", err)
		case !decision.Allowed:
			s.metrics.RecordRateLimited()
			s.fail(w, r, requestID, nil, decision.Err())
			return
		}
	}

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	resp, err := s.runner.Run(ctx, &req)
	if err != nil {
		s.fail(w, r, requestID, resp, err)
		return
	}
	s.metrics.RecordChatRequest("ok")
	writeJSON(w, http.StatusOK, chatResponse{Response: resp, RequestID: requestID})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := r.Body
	if s.config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.KindValidation, err, "The request body is too large.")
		}
		return apperr.Wrap(apperr.KindValidation, err, "The request body is not valid JSON.")
	}
	return nil
}

// fail writes a translated error. Technical detail goes to the log only.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, requestID string, resp *agent.Response, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	s.metrics.RecordChatRequest(string(kind))

	level := s.logger.WarnContext
	if status >= http.StatusInternalServerError {
		level = s.logger.ErrorContext
	}
	level(r.Context(), "chat request failed", "kind", kind, "status", status, "error", err)

	t := apperr.Translate(err)
	if resp == nil {
		resp = &agent.Response{Actions: []models.ActionSummary{}}
	}
	if resp.Message == "" {
		resp.Message = t.UserMessage
	}
	body := chatResponse{Response: resp, RequestID: requestID, Error: &t}

	if e, ok := apperr.As(err); ok && kind == apperr.KindRateLimited && e.RetryAfter > 0 {
		secs := retryAfterSeconds(e.RetryAfter)
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindIterationLimit:
		return http.StatusUnprocessableEntity
	case apperr.KindUpstream, apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
