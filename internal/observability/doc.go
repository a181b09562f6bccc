// Package observability groups the worker's logging, metrics, tracing and
// event plumbing.
//
// Subpackages:
//   - logging: slog setup and job-scoped context propagation
//   - metrics: Prometheus collectors and an events.Sink that feeds them
//   - tracing: OpenTelemetry spans around task handlers
//   - events: circuit and task lifecycle events fanned out to sinks
//
// Example usage:
//
//	import (
//	    "taskrelay/internal/observability/events"
//	    "taskrelay/internal/observability/logging"
//	    "taskrelay/internal/observability/metrics"
//	)
//
//	func main() {
//	    logger := logging.NewLogger()
//	    sink := events.Multi{metrics.NewEventSink()}
//	    hook := events.TransitionHook(sink, logger)
//	    _ = hook
//	}
package observability
