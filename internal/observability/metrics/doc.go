// Package metrics provides the Prometheus metrics that sit outside the task
// pool itself: circuit breaker state, scheduler runs and queue depth.
//
// All metrics are registered with the Prometheus default registry via promauto
// and exposed on the worker's /metrics endpoint.
//
// Example usage:
//
//	sink := metrics.NewEventSink()
//	pool := task.NewPool(transport, registry, cfg, task.WithEventSink(sink))
//
//	metrics.RecordScheduledRun("nightly.report", err == nil, time.Since(start))
package metrics
