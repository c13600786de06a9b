package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("expected a usable tracer")
	}
	if tracer.config.ServiceName != "pmassist" {
		t.Fatalf("default service name = %q", tracer.config.ServiceName)
	}

	ctx, span := tracer.TraceToolDispatch(context.Background(), "list_tasks", "read")
	defer span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceLLMRequest(context.Background(), "anthropic", "m", 1)
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
	span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("no trace should be active")
	}
	_, span = tracer.Start(context.Background(), "x", trace.SpanKindInternal)
	span.End()
}
