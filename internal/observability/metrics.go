package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the assistant.
//
// Collectors are registered on the registerer passed to NewMetrics so tests
// can use an isolated registry:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordToolDispatch("list_milestones", "read", "success", 0.02)
type Metrics struct {
	// ChatRequests counts inbound chat requests.
	// Labels: status (ok|validation|rate_limited|upstream|iteration_limit|error)
	ChatRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolDispatchCounter counts dispatched tool calls.
	// Labels: tool_name, variant (read|mutating), outcome (success|error kind)
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures dispatch time in seconds.
	// Labels: tool_name
	ToolDispatchDuration *prometheus.HistogramVec

	// CacheLookups counts read-cache lookups.
	// Labels: result (hit|miss)
	CacheLookups *prometheus.CounterVec

	// RateLimitRejections counts requests refused by the limiter.
	RateLimitRejections prometheus.Counter

	// ConfirmationTransitions counts pending-action state changes.
	// Labels: status (proposed|executed|failed|rejected)
	ConfirmationTransitions *prometheus.CounterVec

	// RetryAttempts counts extra attempts made by the retry wrapper.
	// Labels: operation
	RetryAttempts *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChatRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_chat_requests_total",
				Help: "Total number of chat requests by outcome",
			},
			[]string{"status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmassist_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolDispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_tool_dispatch_total",
				Help: "Total number of tool dispatches by tool, variant, and outcome",
			},
			[]string{"tool_name", "variant", "outcome"},
		),

		ToolDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmassist_tool_dispatch_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"tool_name"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_cache_lookups_total",
				Help: "Read cache lookups by result",
			},
			[]string{"result"},
		),

		RateLimitRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pmassist_rate_limit_rejections_total",
				Help: "Requests rejected by the per-user rate limiter",
			},
		),

		ConfirmationTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_confirmation_transitions_total",
				Help: "Pending action transitions by resulting status",
			},
			[]string{"status"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmassist_retry_attempts_total",
				Help: "Additional attempts made after transient failures",
			},
			[]string{"operation"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmassist_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordChatRequest increments the chat request counter.
func (m *Metrics) RecordChatRequest(status string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(status).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolDispatch records one dispatched tool call.
func (m *Metrics) RecordToolDispatch(toolName, variant, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolDispatchCounter.WithLabelValues(toolName, variant, outcome).Inc()
	m.ToolDispatchDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimited counts a limiter rejection.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

// RecordConfirmation counts a pending action transition.
func (m *Metrics) RecordConfirmation(status string) {
	if m == nil {
		return
	}
	m.ConfirmationTransitions.WithLabelValues(status).Inc()
}

// RecordRetry counts attempts beyond the first.
func (m *Metrics) RecordRetry(operation string, attempts int) {
	if m == nil || attempts <= 1 {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Add(float64(attempts - 1))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
