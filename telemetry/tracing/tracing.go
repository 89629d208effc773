// Package tracing wraps span creation so logging and metrics can
// correlate with whatever trace is active on a context, without every
// call site importing the OTel SDK directly.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans under a fixed instrumentation name.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the globally configured OTel
// TracerProvider, under the given instrumentation scope name.
func New(scope string) Tracer {
	return Tracer{tracer: otel.Tracer(scope)}
}

// StartSpan starts a span named name, returning the derived context and
// an end function the caller must invoke when the span completes.
func (t Tracer) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, span.End
}

// ExtractIDs returns the trace and span ID of whatever span is active on
// ctx, or empty strings if none is active.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
