package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for service spans.
const TracerName = "herbtrace/internal/core"

// OTelTracer adapts an OpenTelemetry tracer to Tracer.
type OTelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer wraps tracer. A nil tracer uses the global provider.
func NewOTelTracer(tracer oteltrace.Tracer) *OTelTracer {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &OTelTracer{tracer: tracer}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	attrs := []attribute.KeyValue{attribute.String("herbtrace.operation", operation)}
	if org := OrganizationFromContext(ctx); org != "" {
		attrs = append(attrs, attribute.String("herbtrace.organization_id", org))
	}
	ctx, span := t.tracer.Start(ctx, "core."+operation, oteltrace.WithAttributes(attrs...))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
