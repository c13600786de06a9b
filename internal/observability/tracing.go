package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with helpers for the spans the
// assistant emits: LLM calls and tool dispatch.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures tracing. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"-" json:"-"`
	Environment    string            `yaml:"environment" json:"environment"`
	Endpoint       string            `yaml:"endpoint" json:"endpoint"`
	SamplingRate   float64           `yaml:"sampling_rate" json:"sampling_rate"`
	Attributes     map[string]string `yaml:"attributes" json:"attributes"`
	Insecure       bool              `yaml:"insecure" json:"insecure"`
}

// NewTracer builds the tracer and the function that flushes it on shutdown.
// Export is OTLP over gRPC. With no endpoint, or when the exporter fails to
// build, spans fall through to the global provider.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "pmassist"
	}
	fallback := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	if config.Endpoint == "" {
		return fallback, func(context.Context) error { return nil }
	}

	exporter, err := newOTLPExporter(config)
	if err != nil {
		return fallback, func(context.Context) error { return nil }
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(config)),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName), config: config}, provider.Shutdown
}

func newOTLPExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func traceResource(config TraceConfig) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, 3+len(config.Attributes))
	attrs = append(attrs, semconv.ServiceName(config.ServiceName))
	if config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// samplerFor maps a rate to a sampler. Zero means "not set" and samples
// everything.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span. A nil tracer yields a non-recording span so callers
// never need to guard.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError marks span failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceLLMRequest opens a client span for one completion call in the loop.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.complete "+provider, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("loop.iteration", iteration),
	)
}

func (t *Tracer) TraceToolDispatch(ctx context.Context, toolName, variant string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.dispatch "+toolName, trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
		attribute.String("tool.variant", variant),
	)
}

// TraceHTTPRequest opens the server span that parents everything a request does.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.Start(ctx, method+" "+path, trace.SpanKindServer,
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
}

// GetTraceID returns the active trace ID, or "" when none is recording.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
