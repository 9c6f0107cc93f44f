package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/edp/internal/config"
)

// recordSpans installs a synchronous in-memory provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exporter
}

func TestExporterEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "otel-collector:4318"},
		{raw: "collector:4318", want: "collector:4318"},
		{raw: "http://collector:4318", want: "collector:4318"},
		{raw: "https://otel.example.com:443/", want: "otel.example.com:443"},
		{raw: " jaeger:4318/ ", want: "jaeger:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := exporterEndpoint(tt.raw); got != tt.want {
				t.Errorf("exporterEndpoint(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 1, want: "ParentBased{root:AlwaysOnSampler"},
		{ratio: 2, want: "ParentBased{root:AlwaysOnSampler"},
		{ratio: 0, want: "ParentBased{root:AlwaysOffSampler"},
		{ratio: 0.25, want: "ParentBased{root:TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("sampler(%v) = %s, want prefix %s", tt.ratio, got, tt.want)
		}
	}
}

func TestStartSpan(t *testing.T) {
	exporter := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "dispatch.HandleEnvelope",
		attribute.String("event.id", "evt-1"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "rate_limited", attribute.String("destination.id", "dest-1"))
	SetSpanError(ctx, errors.New("http 503"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "dispatch.HandleEnvelope" {
		t.Errorf("span name = %q", got.Name)
	}
	if got.InstrumentationScope.Name != TracerName {
		t.Errorf("span scope = %q, want %q", got.InstrumentationScope.Name, TracerName)
	}
	if len(got.Attributes) != 2 {
		t.Errorf("span attributes = %v, want 2", got.Attributes)
	}
	if got.Status.Code != codes.Error || got.Status.Description != "http 503" {
		t.Errorf("span status = %+v, want error http 503", got.Status)
	}
	var names []string
	for _, e := range got.Events {
		names = append(names, e.Name)
	}
	// RecordError adds an "exception" event after ours.
	if len(names) != 2 || names[0] != "rate_limited" || names[1] != "exception" {
		t.Errorf("span events = %v, want [rate_limited exception]", names)
	}
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()

	AddSpanEvent(ctx, "ignored")
	SetSpanError(ctx, errors.New("ignored"))

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
	if id := GetSpanID(ctx); id != "" {
		t.Errorf("GetSpanID() = %q, want empty", id)
	}
	if h := InjectTrace(ctx); h != nil {
		t.Errorf("InjectTrace() = %v, want nil", h)
	}
}

func TestTraceAndSpanIDs(t *testing.T) {
	recordSpans(t)

	ctx, span := StartSpan(context.Background(), "replay.Replay")
	defer span.End()

	if got := GetTraceID(ctx); len(got) != 32 || got != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want the span's 32-char trace id", got)
	}
	if got := GetSpanID(ctx); len(got) != 16 || got != span.SpanContext().SpanID().String() {
		t.Errorf("GetSpanID() = %q, want the span's 16-char span id", got)
	}
}

func TestExtractTrace(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantTrace string
	}{
		{name: "nil headers"},
		{name: "empty headers", headers: map[string]string{}},
		{
			name:      "valid traceparent",
			headers:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			wantTrace: "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{name: "invalid traceparent", headers: map[string]string{"traceparent": "invalid-trace-context"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := oteltrace.SpanContextFromContext(ExtractTrace(context.Background(), tt.headers))
			if tt.wantTrace == "" {
				if sc.IsValid() {
					t.Errorf("ExtractTrace() span context = %v, want invalid", sc)
				}
				return
			}
			if !sc.IsRemote() || sc.TraceID().String() != tt.wantTrace {
				t.Errorf("ExtractTrace() trace = %s remote=%v, want remote %s", sc.TraceID(), sc.IsRemote(), tt.wantTrace)
			}
		})
	}
}

// An envelope published under one span continues the same trace in the consumer.
func TestTraceRoundTrip(t *testing.T) {
	exporter := recordSpans(t)

	ctx, producer := StartSpan(context.Background(), "ingest.ReceiveEvent")
	headers := InjectTrace(ctx)
	producer.End()

	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectTrace() = %v, want a traceparent header", headers)
	}

	consumerCtx, consumer := StartSpan(ExtractTrace(context.Background(), headers), "dispatch.HandleEnvelope")
	consumer.End()

	if got, want := GetTraceID(consumerCtx), GetTraceID(ctx); got != want {
		t.Errorf("consumer trace = %s, want %s", got, want)
	}
	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[1].Parent.SpanID() != spans[0].SpanContext.SpanID() {
		t.Errorf("consumer parent = %s, want producer span %s", spans[1].Parent.SpanID(), spans[0].SpanContext.SpanID())
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "edp-test", config.Tracing{Disabled: true})
	if err != nil {
		t.Fatalf("InitTracing() error: %v", err)
	}
	shutdown()

	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 || fields[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent first", fields)
	}
}
