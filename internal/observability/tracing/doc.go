// Package tracing provides OpenTelemetry tracing for task execution.
//
// The tracer is taken from the global provider, so exporters are configured
// by the binary. Each handler execution gets a consumer span carrying the
// task name, attempt, queue and job id.
//
// Example usage:
//
//	ctx, span := tracing.StartTaskSpan(ctx, "email.send", "jobs", attempt, jobID)
//	err := run(ctx)
//	tracing.EndTaskSpan(span, err)
package tracing
