// Package observability provides the assistant's structured logging,
// Prometheus metrics, and OpenTelemetry tracing.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (provider
// keys, bearer tokens, DSN passwords) from messages and attributes, and adds
// request_id, project_id, and identity from the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.InfoContext(ctx, "chat request", "turns", len(conversation))
//
// # Metrics
//
// NewMetrics registers collectors for chat requests, LLM calls and tokens,
// tool dispatch, cache lookups, rate-limit rejections, confirmation
// transitions, and retry attempts. All Record methods are safe on a nil
// *Metrics.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op provider otherwise.
package observability
