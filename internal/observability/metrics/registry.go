// Package metrics provides centralized Prometheus metrics for the application.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit breaker metrics
var (
	// CircuitTransitionsTotal counts breaker state changes
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"circuit", "from", "to"},
	)

	// CircuitState reports the current state of each breaker (0=closed, 1=half-open, 2=open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"circuit"},
	)
)

// Task event metrics
var (
	// TaskEventsTotal counts task lifecycle events by kind and task name
	TaskEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_events_total",
			Help: "Total number of task lifecycle events",
		},
		[]string{"kind", "task"},
	)
)

// Scheduler metrics
var (
	// ScheduledRunsTotal counts scheduled issuances by status
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Total number of scheduled task issuances",
		},
		[]string{"task", "status"}, // status: success|failure
	)

	// ScheduledRunDuration measures how long issuing a scheduled task took
	ScheduledRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_run_duration_seconds",
			Help:    "Duration of scheduled task issuance in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"task"},
	)

	// ScheduledLastSuccess records when each schedule last issued a task
	ScheduledLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_last_success_timestamp",
			Help: "Unix timestamp of the last successful scheduled issuance",
		},
		[]string{"task"},
	)
)

// Queue metrics
var (
	// QueueDepth tracks messages waiting on a queue, sampled by the worker
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of messages stored on the queue",
		},
		[]string{"queue"},
	)
)

// RecordScheduledRun records one scheduled issuance.
func RecordScheduledRun(task string, ok bool, duration time.Duration) {
	status := "success"
	if !ok {
		status = "failure"
	}
	ScheduledRunsTotal.WithLabelValues(task, status).Inc()
	ScheduledRunDuration.WithLabelValues(task).Observe(duration.Seconds())
	if ok {
		ScheduledLastSuccess.WithLabelValues(task).SetToCurrentTime()
	}
}

// SetQueueDepth updates the sampled depth of queue.
func SetQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
