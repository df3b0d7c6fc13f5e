// Package tracing instruments session turns and beacon queries with
// OpenTelemetry spans. Span creation is always compiled; OTLP export is
// compiled behind the otel build tag, so default builds carry the no-op
// global tracer provider and pay nothing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/gopylon"

// Tracer returns the fabric tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start opens a span on the fabric tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes a span, recording err as its status when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ConvID tags a span with the conversation it serves.
func ConvID(id int) attribute.KeyValue {
	return attribute.Int("gopylon.conv_id", id)
}

// PylonID tags a span with the worker it serves.
func PylonID(id int) attribute.KeyValue {
	return attribute.Int("gopylon.pylon_id", id)
}
