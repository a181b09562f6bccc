// Package worker holds the worker process configuration and lifecycle metrics.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskrelay/internal/infra/queue"
	"taskrelay/internal/infra/scheduler"
	"taskrelay/internal/pkg/config"
	"taskrelay/internal/resilience/circuitbreaker"
	"taskrelay/internal/usecase/task"
)

// WorkerConfig holds everything the worker binary reads from the environment.
//
// Tunables are loaded fail-open: an invalid value is replaced by its default,
// logged and counted in the worker_config_* metrics. Connection settings are
// read as-is and checked when the connection is opened.
//
// Example usage:
//
//	metrics := NewWorkerMetrics()
//	cfg, _ := LoadConfigFromEnv(logger, metrics)
//	pool := task.NewPool(transport, registry, cfg.PoolConfig())
type WorkerConfig struct {
	// QueueName is the queue consumed and produced to (QUEUE_NAME)
	QueueName string

	// QueueDriver selects the transport: memory, redis or postgres (QUEUE_DRIVER)
	QueueDriver string

	// MaxAttempts before a failing message is dead-lettered (TASK_MAX_ATTEMPTS, 1-100)
	MaxAttempts int

	// VisibilityTimeout hides received messages (TASK_VISIBILITY_TIMEOUT, 1s-12h)
	VisibilityTimeout time.Duration

	// PollInterval is the longest receive wait (TASK_POLL_INTERVAL, 10ms-1m)
	PollInterval time.Duration

	// Workers bounds concurrent handlers (TASK_WORKERS, 1-256)
	Workers int

	// MaxWorkers lets the pool scale above Workers while the queue is deep
	// (TASK_MAX_WORKERS, 0 or Workers-256; 0 disables scaling)
	MaxWorkers int

	// ScaleFactor is the queue depth worth one extra worker (TASK_SCALE_FACTOR, 1-100000)
	ScaleFactor int

	// BackoffWait delays redelivery of failed tasks without their own backoff (TASK_BACKOFF_WAIT, 0-1h)
	BackoffWait time.Duration

	// BackoffProgression grows BackoffWait with the attempt: none, arithmetic,
	// geometric or random (TASK_BACKOFF_PROGRESSION)
	BackoffProgression string

	// ShutdownGrace bounds draining after SIGTERM (TASK_SHUTDOWN_GRACE, 0-10m)
	ShutdownGrace time.Duration

	// TransportTimeout bounds each queue call (TASK_TRANSPORT_TIMEOUT, 100ms-5m)
	TransportTimeout time.Duration

	// Breaker settings shared by the HTTP breaker group (CB_*)
	BreakerFailureThreshold int
	BreakerOpenDuration     time.Duration
	BreakerHalfOpenTrials   int

	// MetricsPort serves /metrics (METRICS_PORT, 1024-65535)
	MetricsPort int

	// Schedules lists recurring tasks as "spec|task[|json]" entries joined by ";" (SCHEDULES)
	Schedules string

	// ScheduleTimezone evaluates the cron specs (SCHEDULE_TIMEZONE)
	ScheduleTimezone string

	// Connection settings; empty disables the optional ones
	RedisAddr       string // REDIS_ADDR
	RedisPassword   string // REDIS_PASSWORD
	DatabaseURL     string // DATABASE_URL
	MigrateQueue    bool   // QUEUE_MIGRATE
	DeadLetterQueue string // DEAD_LETTER_QUEUE
	RabbitMQURL     string // RABBITMQ_URL
	JobsDSN         string // JOBS_DSN
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() WorkerConfig {
	pool := task.DefaultPoolConfig("default")
	breaker := circuitbreaker.DefaultConfig("default")
	return WorkerConfig{
		QueueName:               pool.Queue,
		QueueDriver:             queue.DriverMemory,
		MaxAttempts:             pool.MaxAttempts,
		VisibilityTimeout:       pool.VisibilityTimeout,
		PollInterval:            pool.PollInterval,
		Workers:                 pool.WorkerConcurrency,
		ScaleFactor:             pool.ScaleFactor,
		BackoffProgression:      pool.Backoff.Progression.String(),
		ShutdownGrace:           pool.ShutdownGrace,
		TransportTimeout:        pool.TransportTimeout,
		BreakerFailureThreshold: int(breaker.FailureThreshold),
		BreakerOpenDuration:     breaker.OpenDuration,
		BreakerHalfOpenTrials:   int(breaker.HalfOpenTrialLimit),
		MetricsPort:             9090,
		ScheduleTimezone:        "UTC",
		MigrateQueue:            true,
	}
}

// Validate checks every tunable against the same rules LoadConfigFromEnv uses.
func (c *WorkerConfig) Validate() error {
	var errs []error
	check := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	check("queue name", config.ValidateQueueName(c.QueueName))
	check("queue driver", validateDriver(c.QueueDriver))
	check("max attempts", validateMaxAttempts(c.MaxAttempts))
	check("visibility timeout", validateVisibility(c.VisibilityTimeout))
	check("poll interval", validatePollInterval(c.PollInterval))
	check("workers", validateWorkers(c.Workers))
	check("max workers", validateMaxWorkers(c.MaxWorkers))
	check("scale factor", validateScaleFactor(c.ScaleFactor))
	check("backoff wait", validateBackoffWait(c.BackoffWait))
	check("backoff progression", validateProgression(c.BackoffProgression))
	check("shutdown grace", validateShutdownGrace(c.ShutdownGrace))
	check("transport timeout", validateTransportTimeout(c.TransportTimeout))
	check("breaker failure threshold", validateThreshold(c.BreakerFailureThreshold))
	check("breaker open duration", validateOpenDuration(c.BreakerOpenDuration))
	check("breaker half-open trials", validateTrials(c.BreakerHalfOpenTrials))
	check("metrics port", validatePort(c.MetricsPort))
	check("schedules", validateSchedules(c.Schedules))
	check("schedule timezone", config.ValidateTimezone(c.ScheduleTimezone))

	if c.MaxWorkers != 0 && c.MaxWorkers < c.Workers {
		errs = append(errs, fmt.Errorf("max workers: %d is below workers %d", c.MaxWorkers, c.Workers))
	}
	if c.QueueDriver == queue.DriverRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis driver requires REDIS_ADDR"))
	}
	if c.QueueDriver == queue.DriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("postgres driver requires DATABASE_URL"))
	}
	return errors.Join(errs...)
}

// PoolConfig converts the loaded values for task.NewPool.
func (c *WorkerConfig) PoolConfig() task.PoolConfig {
	cfg := task.DefaultPoolConfig(c.QueueName)
	cfg.MaxAttempts = c.MaxAttempts
	cfg.VisibilityTimeout = c.VisibilityTimeout
	cfg.PollInterval = c.PollInterval
	cfg.WorkerConcurrency = c.Workers
	cfg.ShutdownGrace = c.ShutdownGrace
	cfg.TransportTimeout = c.TransportTimeout
	cfg.MaxWorkerConcurrency = c.MaxWorkers
	cfg.ScaleFactor = c.ScaleFactor
	// validated on load; an unknown name leaves the fixed progression
	progression, _ := task.ParseProgression(c.BackoffProgression)
	cfg.Backoff = task.Backoff{Wait: c.BackoffWait, Progression: progression}
	return cfg
}

// BreakerConfig returns a breaker template named name using the CB_* values.
func (c *WorkerConfig) BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.FailureThreshold = uint32(c.BreakerFailureThreshold)
	cfg.OpenDuration = c.BreakerOpenDuration
	cfg.HalfOpenTrialLimit = uint32(c.BreakerHalfOpenTrials)
	return cfg
}

// QueueOptions returns the transport options for queue.Open.
func (c *WorkerConfig) QueueOptions(logger *slog.Logger) queue.Options {
	return queue.Options{
		Driver:        c.QueueDriver,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		DatabaseURL:   c.DatabaseURL,
		Migrate:       c.MigrateQueue,
		Logger:        logger,
	}
}

// Location returns the schedule time zone, UTC if it cannot be loaded.
func (c *WorkerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validateDriver(v string) error {
	return config.ValidateOneOf(queue.DriverMemory, queue.DriverRedis, queue.DriverPostgres)(v)
}

var (
	validateMaxAttempts      = config.IntBetween(1, 100)
	validateVisibility       = config.DurationBetween(time.Second, 12*time.Hour)
	validatePollInterval     = config.DurationBetween(10*time.Millisecond, time.Minute)
	validateWorkers          = config.IntBetween(1, 256)
	validateMaxWorkers       = config.IntBetween(0, 256)
	validateScaleFactor      = config.IntBetween(1, 100000)
	validateBackoffWait      = config.DurationBetween(0, time.Hour)
	validateShutdownGrace    = config.DurationBetween(0, 10*time.Minute)
	validateTransportTimeout = config.DurationBetween(100*time.Millisecond, 5*time.Minute)
	validateThreshold        = config.IntBetween(1, 1000)
	validateOpenDuration     = config.DurationBetween(time.Second, time.Hour)
	validateTrials           = config.IntBetween(1, 100)
	validatePort             = config.IntBetween(1024, 65535)
)

func validateProgression(v string) error {
	_, err := task.ParseProgression(v)
	return err
}

func validateSchedules(v string) error {
	_, err := scheduler.ParseEntries(v)
	return err
}

// loader applies fallbacks and records them against the worker metrics.
type loader struct {
	logger   *slog.Logger
	metrics  *WorkerMetrics
	fallback bool
}

func (l *loader) note(field string, applied bool, warning string) {
	if !applied {
		return
	}
	l.fallback = true
	l.metrics.RecordValidationError(field)
	l.metrics.RecordFallback(field, "default")
	l.logger.Warn("Configuration fallback applied",
		slog.String("field", field),
		slog.String("warning", warning))
}

func (l *loader) str(field, envKey, def string, validator func(string) error) string {
	r := config.LoadEnvWithFallback(envKey, def, validator)
	l.note(field, r.FallbackApplied, r.Warning)
	return r.Value
}

func (l *loader) integer(field, envKey string, def int, validator func(int) error) int {
	r := config.LoadEnvInt(envKey, def, validator)
	l.note(field, r.FallbackApplied, r.Warning)
	return r.Value
}

func (l *loader) duration(field, envKey string, def time.Duration, validator func(time.Duration) error) time.Duration {
	r := config.LoadEnvDuration(envKey, def, validator)
	l.note(field, r.FallbackApplied, r.Warning)
	return r.Value
}

func (l *loader) boolean(field, envKey string, def bool) bool {
	r := config.LoadEnvBool(envKey, def)
	l.note(field, r.FallbackApplied, r.Warning)
	return r.Value
}

// LoadConfigFromEnv loads the worker configuration. It never fails: every
// rejected value falls back to DefaultConfig, is logged, and is counted.
// The error return is kept for callers that treat configuration uniformly.
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) (*WorkerConfig, error) {
	cfg := DefaultConfig()
	l := &loader{logger: logger, metrics: metrics}

	cfg.QueueName = l.str("queue_name", "QUEUE_NAME", cfg.QueueName, config.ValidateQueueName)
	cfg.QueueDriver = l.str("queue_driver", "QUEUE_DRIVER", cfg.QueueDriver, validateDriver)
	cfg.MaxAttempts = l.integer("max_attempts", "TASK_MAX_ATTEMPTS", cfg.MaxAttempts, validateMaxAttempts)
	cfg.VisibilityTimeout = l.duration("visibility_timeout", "TASK_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout, validateVisibility)
	cfg.PollInterval = l.duration("poll_interval", "TASK_POLL_INTERVAL", cfg.PollInterval, validatePollInterval)
	cfg.Workers = l.integer("workers", "TASK_WORKERS", cfg.Workers, validateWorkers)
	cfg.MaxWorkers = l.integer("max_workers", "TASK_MAX_WORKERS", cfg.MaxWorkers, validateMaxWorkers)
	if cfg.MaxWorkers != 0 && cfg.MaxWorkers < cfg.Workers {
		l.note("max_workers", true, fmt.Sprintf("TASK_MAX_WORKERS=%d is below TASK_WORKERS=%d, scaling disabled", cfg.MaxWorkers, cfg.Workers))
		cfg.MaxWorkers = 0
	}
	cfg.ScaleFactor = l.integer("scale_factor", "TASK_SCALE_FACTOR", cfg.ScaleFactor, validateScaleFactor)
	cfg.BackoffWait = l.duration("backoff_wait", "TASK_BACKOFF_WAIT", cfg.BackoffWait, validateBackoffWait)
	cfg.BackoffProgression = l.str("backoff_progression", "TASK_BACKOFF_PROGRESSION", cfg.BackoffProgression, validateProgression)
	cfg.ShutdownGrace = l.duration("shutdown_grace", "TASK_SHUTDOWN_GRACE", cfg.ShutdownGrace, validateShutdownGrace)
	cfg.TransportTimeout = l.duration("transport_timeout", "TASK_TRANSPORT_TIMEOUT", cfg.TransportTimeout, validateTransportTimeout)
	cfg.BreakerFailureThreshold = l.integer("breaker_failure_threshold", "CB_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold, validateThreshold)
	cfg.BreakerOpenDuration = l.duration("breaker_open_duration", "CB_OPEN_DURATION", cfg.BreakerOpenDuration, validateOpenDuration)
	cfg.BreakerHalfOpenTrials = l.integer("breaker_half_open_trials", "CB_HALF_OPEN_TRIALS", cfg.BreakerHalfOpenTrials, validateTrials)
	cfg.MetricsPort = l.integer("metrics_port", "METRICS_PORT", cfg.MetricsPort, validatePort)
	cfg.Schedules = l.str("schedules", "SCHEDULES", cfg.Schedules, validateSchedules)
	cfg.ScheduleTimezone = l.str("schedule_timezone", "SCHEDULE_TIMEZONE", cfg.ScheduleTimezone, config.ValidateTimezone)
	cfg.MigrateQueue = l.boolean("queue_migrate", "QUEUE_MIGRATE", cfg.MigrateQueue)

	cfg.RedisAddr = config.LoadEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = config.LoadEnvString("REDIS_PASSWORD", "")
	cfg.DatabaseURL = config.LoadEnvString("DATABASE_URL", "")
	cfg.DeadLetterQueue = config.LoadEnvString("DEAD_LETTER_QUEUE", "")
	cfg.RabbitMQURL = config.LoadEnvString("RABBITMQ_URL", "")
	cfg.JobsDSN = config.LoadEnvString("JOBS_DSN", "")

	metrics.SetFallbackActive(l.fallback)
	metrics.RecordLoadTimestamp()

	return &cfg, nil
}
