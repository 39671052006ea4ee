package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "model-registry"

// Tracer wraps OpenTelemetry tracing for the registry.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("modelreg.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for registry tracing.
var (
	AttrRunID      = attribute.Key("modelreg.run.id")
	AttrModel      = attribute.Key("modelreg.model")
	AttrImage      = attribute.Key("modelreg.image")
	AttrExitCode   = attribute.Key("modelreg.exit_code")
	AttrDurationMS = attribute.Key("modelreg.duration_ms")
	AttrBatchSize  = attribute.Key("modelreg.batch_size")
)
