package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pmassist/internal/observability"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument assigns a request ID and records a span, a log line, and
// metrics for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := observability.AddRequestID(r.Context(), requestID)
		ctx, span := s.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		if rec.status >= http.StatusInternalServerError {
			s.tracer.RecordError(span, errStatus(rec.status))
		}
		s.logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", observability.GetTraceID(ctx),
		)
	})
}

type errStatus int

func (e errStatus) Error() string {
	return "http status " + strconv.Itoa(int(e))
}
