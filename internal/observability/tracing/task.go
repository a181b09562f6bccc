package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartTaskSpan starts a consumer span around one task execution.
func StartTaskSpan(ctx context.Context, taskName, queue string, attempt int, jobID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.name", taskName),
		attribute.Int("task.attempt", attempt),
		attribute.String("messaging.destination.name", queue),
	}
	if jobID != "" {
		attrs = append(attrs, attribute.String("task.job_id", jobID))
	}
	return GetTracer().Start(ctx, "task "+taskName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// EndTaskSpan records the execution result and ends the span.
func EndTaskSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
