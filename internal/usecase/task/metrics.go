package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for task processing
var (
	// taskReceivedTotal tracks messages handed to the pool by the transport
	taskReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_messages_received_total",
			Help: "Total number of queue messages received",
		},
		[]string{"queue"},
	)

	// taskProcessedTotal tracks handler outcomes per task
	taskProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_processed_total",
			Help: "Total number of task executions",
		},
		[]string{"task", "outcome"}, // outcome: success|failure
	)

	// taskDuration tracks handler execution time
	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task handler duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		},
		[]string{"task"},
	)

	// taskInFlight tracks handlers currently running
	taskInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_in_flight",
			Help: "Number of task handlers currently running",
		},
	)

	// taskWorkerLimit tracks the current worker slot limit, which moves when scaling is enabled
	taskWorkerLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_worker_limit",
			Help: "Current number of worker slots the pool may use",
		},
		[]string{"queue"},
	)

	// taskDeadLetteredTotal tracks messages removed from normal processing
	taskDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_dead_lettered_total",
			Help: "Total number of dead-lettered messages",
		},
		[]string{"reason"},
	)

	// taskTransportErrorsTotal tracks failed queue operations
	taskTransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transport_errors_total",
			Help: "Total number of failed queue transport operations",
		},
		[]string{"operation"}, // send|receive|delete|extend|dead_letter|len
	)
)

func recordReceived(queue string, n int) {
	taskReceivedTotal.WithLabelValues(queue).Add(float64(n))
}

func recordOutcome(task string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	taskProcessedTotal.WithLabelValues(task, outcome).Inc()
	taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func recordWorkerLimit(queue string, n int) {
	taskWorkerLimit.WithLabelValues(queue).Set(float64(n))
}

func recordDeadLettered(reason DeadLetterReason) {
	taskDeadLetteredTotal.WithLabelValues(string(reason)).Inc()
}

func recordTransportError(op string) {
	taskTransportErrorsTotal.WithLabelValues(op).Inc()
}
