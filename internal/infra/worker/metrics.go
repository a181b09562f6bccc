package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskrelay/internal/pkg/config"
	"taskrelay/internal/usecase/task"
)

// WorkerMetrics embeds the worker_config_* metrics and adds the worker
// process lifecycle: pool state and shutdown outcome.
//
// Example usage:
//
//	metrics := NewWorkerMetrics()
//	cfg, _ := LoadConfigFromEnv(logger, metrics)
//	metrics.SetPoolState(pool.State())
type WorkerMetrics struct {
	*config.ConfigMetrics

	// PoolState is 0 while stopped, 1 while running, 2 while draining
	PoolState prometheus.Gauge

	// ShutdownDurationSeconds measures how long draining took
	ShutdownDurationSeconds prometheus.Histogram

	// ShutdownsTotal counts shutdowns by result (drained|abandoned)
	ShutdownsTotal *prometheus.CounterVec
}

// NewWorkerMetrics registers the worker metrics with the default registry.
func NewWorkerMetrics() *WorkerMetrics {
	return NewWorkerMetricsWith(prometheus.DefaultRegisterer)
}

// NewWorkerMetricsWith registers the worker metrics with reg.
func NewWorkerMetricsWith(reg prometheus.Registerer) *WorkerMetrics {
	factory := promauto.With(reg)
	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetricsWith(reg, "worker"),

		PoolState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_pool_state",
			Help: "Task pool state (0=stopped, 1=running, 2=draining)",
		}),

		ShutdownDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_shutdown_duration_seconds",
			Help:    "Time spent draining in-flight tasks at shutdown",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}),

		ShutdownsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_shutdowns_total",
			Help: "Total number of worker shutdowns by result",
		}, []string{"result"}),
	}
}

// SetPoolState mirrors the pool's lifecycle state.
func (m *WorkerMetrics) SetPoolState(state task.PoolState) {
	m.PoolState.Set(float64(state))
}

// RecordShutdown records a drain that took d; abandoned is true when handlers
// were still running when it ended.
func (m *WorkerMetrics) RecordShutdown(d time.Duration, abandoned bool) {
	result := "drained"
	if abandoned {
		result = "abandoned"
	}
	m.ShutdownsTotal.WithLabelValues(result).Inc()
	m.ShutdownDurationSeconds.Observe(d.Seconds())
}
