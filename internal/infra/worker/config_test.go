package worker

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"taskrelay/internal/infra/queue"
	"taskrelay/internal/usecase/task"
)

var workerEnvKeys = []string{
	"QUEUE_NAME", "QUEUE_DRIVER", "TASK_MAX_ATTEMPTS", "TASK_VISIBILITY_TIMEOUT",
	"TASK_POLL_INTERVAL", "TASK_WORKERS", "TASK_SHUTDOWN_GRACE", "TASK_TRANSPORT_TIMEOUT",
	"TASK_MAX_WORKERS", "TASK_SCALE_FACTOR", "TASK_BACKOFF_WAIT", "TASK_BACKOFF_PROGRESSION",
	"CB_FAILURE_THRESHOLD", "CB_OPEN_DURATION", "CB_HALF_OPEN_TRIALS", "METRICS_PORT",
	"SCHEDULES", "SCHEDULE_TIMEZONE", "QUEUE_MIGRATE",
	"REDIS_ADDR", "REDIS_PASSWORD", "DATABASE_URL", "DEAD_LETTER_QUEUE", "RABBITMQ_URL", "JOBS_DSN",
}

// clearWorkerEnv blanks every variable the loader reads for the duration of the test.
func clearWorkerEnv(t *testing.T) {
	t.Helper()
	for _, key := range workerEnvKeys {
		t.Setenv(key, "")
	}
}

func newTestMetrics() *WorkerMetrics {
	return NewWorkerMetricsWith(prometheus.NewRegistry())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.QueueName != "default" {
		t.Errorf("QueueName = %q, want default", cfg.QueueName)
	}
	if cfg.QueueDriver != queue.DriverMemory {
		t.Errorf("QueueDriver = %q, want memory", cfg.QueueDriver)
	}
	if cfg.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.MaxAttempts)
	}
	if cfg.VisibilityTimeout != 120*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 2m", cfg.VisibilityTimeout)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("MetricsPort = %d, want 9090", cfg.MetricsPort)
	}
	if !cfg.MigrateQueue {
		t.Error("MigrateQueue should default to true")
	}
	if cfg.MaxWorkers != 0 || cfg.ScaleFactor != 100 {
		t.Errorf("scaling = %d/%d, want disabled with factor 100", cfg.MaxWorkers, cfg.ScaleFactor)
	}
	if cfg.BackoffWait != 0 || cfg.BackoffProgression != "none" {
		t.Errorf("backoff = %v %q, want none", cfg.BackoffWait, cfg.BackoffProgression)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestWorkerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WorkerConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*WorkerConfig) {}},
		{name: "bad queue name", mutate: func(c *WorkerConfig) { c.QueueName = "a:b" }, wantErr: "queue name"},
		{name: "unknown driver", mutate: func(c *WorkerConfig) { c.QueueDriver = "kafka" }, wantErr: "queue driver"},
		{name: "zero attempts", mutate: func(c *WorkerConfig) { c.MaxAttempts = 0 }, wantErr: "max attempts"},
		{name: "tiny visibility", mutate: func(c *WorkerConfig) { c.VisibilityTimeout = time.Millisecond }, wantErr: "visibility timeout"},
		{name: "zero workers", mutate: func(c *WorkerConfig) { c.Workers = 0 }, wantErr: "workers"},
		{name: "max workers below workers", mutate: func(c *WorkerConfig) { c.MaxWorkers = 2 }, wantErr: "max workers"},
		{name: "zero scale factor", mutate: func(c *WorkerConfig) { c.ScaleFactor = 0 }, wantErr: "scale factor"},
		{name: "negative backoff", mutate: func(c *WorkerConfig) { c.BackoffWait = -time.Second }, wantErr: "backoff wait"},
		{name: "unknown progression", mutate: func(c *WorkerConfig) { c.BackoffProgression = "exponential" }, wantErr: "backoff progression"},
		{name: "negative grace", mutate: func(c *WorkerConfig) { c.ShutdownGrace = -time.Second }, wantErr: "shutdown grace"},
		{name: "privileged port", mutate: func(c *WorkerConfig) { c.MetricsPort = 80 }, wantErr: "metrics port"},
		{name: "bad schedule", mutate: func(c *WorkerConfig) { c.Schedules = "nope|log.echo" }, wantErr: "schedules"},
		{name: "redis without addr", mutate: func(c *WorkerConfig) { c.QueueDriver = queue.DriverRedis }, wantErr: "REDIS_ADDR"},
		{name: "postgres without url", mutate: func(c *WorkerConfig) { c.QueueDriver = queue.DriverPostgres }, wantErr: "DATABASE_URL"},
		{
			name: "redis with addr",
			mutate: func(c *WorkerConfig) {
				c.QueueDriver = queue.DriverRedis
				c.RedisAddr = "localhost:6379"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWorkerConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.MetricsPort = 1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"workers", "metrics port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	clearWorkerEnv(t)
	var buf bytes.Buffer
	metrics := newTestMetrics()

	cfg, err := LoadConfigFromEnv(slog.New(slog.NewJSONHandler(&buf, nil)), metrics)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("config = %+v, want %+v", *cfg, want)
	}
	if buf.Len() > 0 {
		t.Errorf("expected no warnings, got %s", buf.String())
	}
	if got := testutil.ToFloat64(metrics.FallbackActive); got != 0 {
		t.Errorf("fallback active = %v, want 0", got)
	}
}

func TestLoadConfigFromEnv_AllValid(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("QUEUE_NAME", "reports")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("TASK_MAX_ATTEMPTS", "4")
	t.Setenv("TASK_VISIBILITY_TIMEOUT", "45s")
	t.Setenv("TASK_POLL_INTERVAL", "2s")
	t.Setenv("TASK_WORKERS", "16")
	t.Setenv("TASK_SHUTDOWN_GRACE", "1m")
	t.Setenv("TASK_TRANSPORT_TIMEOUT", "3s")
	t.Setenv("CB_FAILURE_THRESHOLD", "5")
	t.Setenv("CB_OPEN_DURATION", "30s")
	t.Setenv("CB_HALF_OPEN_TRIALS", "2")
	t.Setenv("METRICS_PORT", "9100")
	t.Setenv("SCHEDULES", "@hourly|log.echo")
	t.Setenv("SCHEDULE_TIMEZONE", "Europe/London")
	t.Setenv("QUEUE_MIGRATE", "false")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("RABBITMQ_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("TASK_MAX_WORKERS", "32")
	t.Setenv("TASK_SCALE_FACTOR", "50")
	t.Setenv("TASK_BACKOFF_WAIT", "5s")
	t.Setenv("TASK_BACKOFF_PROGRESSION", "Geometric")

	var buf bytes.Buffer
	cfg, _ := LoadConfigFromEnv(slog.New(slog.NewJSONHandler(&buf, nil)), newTestMetrics())

	if buf.Len() > 0 {
		t.Errorf("expected no warnings, got %s", buf.String())
	}
	if cfg.QueueName != "reports" || cfg.QueueDriver != "redis" || cfg.RedisAddr != "cache:6379" {
		t.Errorf("queue settings not loaded: %+v", cfg)
	}
	if cfg.Workers != 16 || cfg.MaxAttempts != 4 {
		t.Errorf("pool ints not loaded: workers=%d attempts=%d", cfg.Workers, cfg.MaxAttempts)
	}
	if cfg.VisibilityTimeout != 45*time.Second || cfg.ShutdownGrace != time.Minute {
		t.Errorf("pool durations not loaded: %v %v", cfg.VisibilityTimeout, cfg.ShutdownGrace)
	}
	if cfg.MigrateQueue {
		t.Error("QUEUE_MIGRATE=false not honoured")
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location = %v", cfg.Location())
	}

	pool := cfg.PoolConfig()
	if pool.Queue != "reports" || pool.WorkerConcurrency != 16 || pool.TransportTimeout != 3*time.Second {
		t.Errorf("PoolConfig = %+v", pool)
	}
	if pool.MaxWorkerConcurrency != 32 || pool.ScaleFactor != 50 {
		t.Errorf("PoolConfig scaling = %d/%d, want 32/50", pool.MaxWorkerConcurrency, pool.ScaleFactor)
	}
	if want := (task.Backoff{Wait: 5 * time.Second, Progression: task.ProgressionGeometric}); pool.Backoff != want {
		t.Errorf("PoolConfig.Backoff = %+v, want %+v", pool.Backoff, want)
	}
	if err := pool.Validate(); err != nil {
		t.Errorf("PoolConfig should be valid: %v", err)
	}
	breaker := cfg.BreakerConfig("http:example.com")
	if breaker.FailureThreshold != 5 || breaker.OpenDuration != 30*time.Second || breaker.HalfOpenTrialLimit != 2 {
		t.Errorf("BreakerConfig = %+v", breaker)
	}
	opts := cfg.QueueOptions(nil)
	if opts.Driver != "redis" || opts.RedisAddr != "cache:6379" || opts.Migrate {
		t.Errorf("QueueOptions = %+v", opts)
	}
}

func TestLoadConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	tests := []struct {
		envKey string
		value  string
		field  string
		check  func(*WorkerConfig) bool
	}{
		{"QUEUE_NAME", "bad name", "queue_name", func(c *WorkerConfig) bool { return c.QueueName == "default" }},
		{"QUEUE_DRIVER", "sqs", "queue_driver", func(c *WorkerConfig) bool { return c.QueueDriver == "memory" }},
		{"TASK_MAX_ATTEMPTS", "0", "max_attempts", func(c *WorkerConfig) bool { return c.MaxAttempts == 10 }},
		{"TASK_VISIBILITY_TIMEOUT", "forever", "visibility_timeout", func(c *WorkerConfig) bool { return c.VisibilityTimeout == 120*time.Second }},
		{"TASK_WORKERS", "1000", "workers", func(c *WorkerConfig) bool { return c.Workers == 3 }},
		{"TASK_MAX_WORKERS", "2", "max_workers", func(c *WorkerConfig) bool { return c.MaxWorkers == 0 }},
		{"TASK_SCALE_FACTOR", "0", "scale_factor", func(c *WorkerConfig) bool { return c.ScaleFactor == 100 }},
		{"TASK_BACKOFF_WAIT", "2h", "backoff_wait", func(c *WorkerConfig) bool { return c.BackoffWait == 0 }},
		{"TASK_BACKOFF_PROGRESSION", "exponential", "backoff_progression", func(c *WorkerConfig) bool { return c.BackoffProgression == "none" }},
		{"CB_OPEN_DURATION", "-1s", "breaker_open_duration", func(c *WorkerConfig) bool { return c.BreakerOpenDuration == 10*time.Second }},
		{"METRICS_PORT", "80", "metrics_port", func(c *WorkerConfig) bool { return c.MetricsPort == 9090 }},
		{"SCHEDULES", "every day|log.echo", "schedules", func(c *WorkerConfig) bool { return c.Schedules == "" }},
		{"SCHEDULE_TIMEZONE", "Mars/Base", "schedule_timezone", func(c *WorkerConfig) bool { return c.ScheduleTimezone == "UTC" }},
		{"QUEUE_MIGRATE", "maybe", "queue_migrate", func(c *WorkerConfig) bool { return c.MigrateQueue }},
	}

	for _, tt := range tests {
		t.Run(tt.envKey, func(t *testing.T) {
			clearWorkerEnv(t)
			t.Setenv(tt.envKey, tt.value)

			var buf bytes.Buffer
			metrics := newTestMetrics()
			cfg, err := LoadConfigFromEnv(slog.New(slog.NewJSONHandler(&buf, nil)), metrics)
			if err != nil {
				t.Fatalf("fail-open loader returned error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s=%q did not fall back to the default: %+v", tt.envKey, tt.value, cfg)
			}
			if !strings.Contains(buf.String(), "Configuration fallback applied") || !strings.Contains(buf.String(), tt.field) {
				t.Errorf("expected fallback warning for %s, got %s", tt.field, buf.String())
			}
			if got := testutil.ToFloat64(metrics.ValidationErrorsTotal.WithLabelValues(tt.field)); got != 1 {
				t.Errorf("validation errors for %s = %v, want 1", tt.field, got)
			}
			if got := testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues(tt.field, "default")); got != 1 {
				t.Errorf("fallbacks for %s = %v, want 1", tt.field, got)
			}
			if got := testutil.ToFloat64(metrics.FallbackActive); got != 1 {
				t.Errorf("fallback active = %v, want 1", got)
			}
		})
	}
}

func TestLoadConfigFromEnv_PartiallyValid(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("TASK_WORKERS", "8")
	t.Setenv("TASK_POLL_INTERVAL", "1ns")

	cfg, _ := LoadConfigFromEnv(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), newTestMetrics())

	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want default 5s", cfg.PollInterval)
	}
}
