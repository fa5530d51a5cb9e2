package actors

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/super-flat/flock/actors"

// startSpan opens a span for one of the process operations
func (p *Process) startSpan(ctx context.Context, methodName string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, methodName, trace.WithAttributes(
		attribute.String("process", p.name),
		attribute.String("process_id", p.id),
	))
}

// endSpan marks the span as failed when err is set, then ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
