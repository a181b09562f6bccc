package worker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"taskrelay/internal/usecase/task"
)

func TestNewWorkerMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetricsWith(reg)
	m.RecordLoadTimestamp()
	m.SetPoolState(task.StateRunning)
	m.RecordShutdown(time.Second, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"worker_config_load_timestamp",
		"worker_pool_state",
		"worker_shutdown_duration_seconds",
		"worker_shutdowns_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestWorkerMetrics_SetPoolState(t *testing.T) {
	m := newTestMetrics()

	for _, state := range []task.PoolState{task.StateRunning, task.StateDraining, task.StateStopped} {
		m.SetPoolState(state)
		if got := testutil.ToFloat64(m.PoolState); got != float64(state) {
			t.Errorf("pool state gauge = %v, want %v", got, float64(state))
		}
	}
}

func TestWorkerMetrics_RecordShutdown(t *testing.T) {
	m := newTestMetrics()

	m.RecordShutdown(2*time.Second, false)
	m.RecordShutdown(30*time.Second, true)
	m.RecordShutdown(time.Second, false)

	if got := testutil.ToFloat64(m.ShutdownsTotal.WithLabelValues("drained")); got != 2 {
		t.Errorf("drained = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ShutdownsTotal.WithLabelValues("abandoned")); got != 1 {
		t.Errorf("abandoned = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ShutdownDurationSeconds); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}
