package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskrelay/internal/infra/db"
	"taskrelay/internal/infra/deadletter"
	"taskrelay/internal/infra/jobstore"
	"taskrelay/internal/infra/queue"
	"taskrelay/internal/infra/scheduler"
	workerPkg "taskrelay/internal/infra/worker"
	"taskrelay/internal/observability/events"
	"taskrelay/internal/observability/logging"
	"taskrelay/internal/observability/metrics"
	"taskrelay/internal/resilience/circuitbreaker"
	"taskrelay/internal/resilience/retry"
	"taskrelay/internal/usecase/task"
)

// depthSampleInterval is how often the queue depth gauge is refreshed.
const depthSampleInterval = 15 * time.Second

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerMetrics := workerPkg.NewWorkerMetrics()
	cfg, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		return fmt.Errorf("load worker configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("worker configuration: %w", err)
	}
	logger.Info("worker configuration loaded",
		slog.String("queue", cfg.QueueName),
		slog.String("driver", cfg.QueueDriver),
		slog.Int("workers", cfg.Workers),
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("visibility_timeout", cfg.VisibilityTimeout),
		slog.Duration("shutdown_grace", cfg.ShutdownGrace),
		slog.Int("metrics_port", cfg.MetricsPort))

	// Every breaker reports transitions as events; the sinks list grows below.
	sinks := events.Multi{metrics.NewEventSink()}
	var sink events.Sink = &sinks
	transitions := events.TransitionHook(sink, logger)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", slog.Any("error", err))
			}
		}
	}()

	queueOpts := cfg.QueueOptions(logger)
	queueOpts.Breaker = circuitbreaker.DBConfig()
	queueOpts.Breaker.Name = "queue-db"
	queueOpts.Breaker.OnTransition = transitions
	var (
		transport       task.Transport
		transportCloser io.Closer
	)
	err = retry.WithBackoff(ctx, retry.StartupConfig(), func() error {
		var openErr error
		transport, transportCloser, openErr = queue.Open(ctx, queueOpts)
		return openErr
	})
	if err != nil {
		return fmt.Errorf("open queue transport: %w", err)
	}
	closers = append(closers, transportCloser)

	var extraBreakers []*circuitbreaker.CircuitBreaker
	if guarded, ok := transport.(breakerReporter); ok {
		extraBreakers = append(extraBreakers, guarded.Breaker())
	}

	if cfg.JobsDSN != "" {
		tracker, jobsBreaker, closer, err := openJobTracker(ctx, cfg.JobsDSN, transitions, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer)
		extraBreakers = append(extraBreakers, jobsBreaker)
		sinks = append(sinks, jobstore.NewEventSink(tracker))
		logger.Info("job tracker enabled")
	}

	deadLetters, err := openDeadLetterSink(cfg, transport, logger)
	if err != nil {
		return err
	}
	if c, ok := deadLetters.(io.Closer); ok {
		closers = append(closers, c)
	}

	httpBreakers, err := circuitbreaker.NewGroup(withTransitions(cfg.BreakerConfig("http"), transitions))
	if err != nil {
		return fmt.Errorf("http breaker group: %w", err)
	}
	httpClient := circuitbreaker.NewHTTPClient(httpBreakers, 0)

	registry := task.NewRegistry()
	if err := registerHandlers(registry, httpClient); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	producer := task.NewProducer(transport, cfg.QueueName,
		task.WithProducerLogger(logger),
		task.WithStrictRegistry(registry))

	poolOpts := []task.PoolOption{
		task.WithLogger(logger),
		task.WithEventSink(sink),
		task.WithProducer(producer),
	}
	if deadLetters != nil {
		poolOpts = append(poolOpts, task.WithDeadLetterSink(deadLetters))
	}
	pool := task.NewPool(transport, registry, cfg.PoolConfig(), poolOpts...)

	var sched *scheduler.Scheduler
	if cfg.Schedules != "" {
		entries, err := scheduler.ParseEntries(cfg.Schedules)
		if err != nil {
			return err
		}
		sched = scheduler.New(producer,
			scheduler.WithLocation(cfg.Location()),
			scheduler.WithLogger(logger),
			scheduler.WithIssueTimeout(cfg.TransportTimeout))
		for _, e := range entries {
			if err := sched.Add(e); err != nil {
				return err
			}
		}
	}

	// The pool keeps receiving until Stop; the signal context only ends the process.
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start task pool: %w", err)
	}
	workerMetrics.SetPoolState(pool.State())
	if sched != nil {
		sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runMetricsServer(gctx, logger, cfg.MetricsPort, newMetricsMux(httpBreakers, extraBreakers...))
	})
	g.Go(func() error {
		sampleQueueDepth(gctx, transport, cfg.QueueName, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(logger, cfg, pool, sched, workerMetrics)
	})

	logger.Info("worker started", slog.Any("tasks", registry.Names()))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown stops the scheduler first so no new tasks are produced, then drains the pool.
func shutdown(logger *slog.Logger, cfg *workerPkg.WorkerConfig, pool *task.Pool, sched *scheduler.Scheduler, m *workerPkg.WorkerMetrics) error {
	logger.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.TransportTimeout)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			logger.Warn("scheduler did not stop cleanly", slog.Any("error", err))
		}
	}

	m.SetPoolState(task.StateDraining)
	start := time.Now()
	err := pool.Stop(ctx)
	m.RecordShutdown(time.Since(start), err != nil)
	m.SetPoolState(pool.State())
	if errors.Is(err, task.ErrShutdownGrace) {
		// abandoned messages are redelivered after their visibility timeout
		return nil
	}
	return err
}

// withTransitions returns cfg reporting its state changes to hook.
func withTransitions(cfg circuitbreaker.Config, hook func(circuitbreaker.Transition)) circuitbreaker.Config {
	cfg.OnTransition = hook
	return cfg
}

// openJobTracker connects the MySQL job store and creates its table.
func openJobTracker(ctx context.Context, dsn string, hook func(circuitbreaker.Transition), logger *slog.Logger) (*jobstore.Tracker, *circuitbreaker.CircuitBreaker, io.Closer, error) {
	normalized, err := jobstore.NormalizeDSN(dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("job store dsn: %w", err)
	}
	conn, err := db.Open(ctx, db.DriverMySQL, normalized)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.MigrateJobsUp(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("migrate job store: %w", err)
	}

	breakerCfg := circuitbreaker.DBConfig()
	breakerCfg.Name = "jobs-db"
	guarded, err := circuitbreaker.NewDBCircuitBreakerWithConfig(conn, withTransitions(breakerCfg, hook))
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	tracker := jobstore.New(guarded, "taskrelay", jobstore.WithLogger(logger))
	return tracker, guarded.Breaker(), conn, nil
}

// openDeadLetterSink prefers RabbitMQ, then a dead-letter queue on the main
// transport. Without either, dead letters are only logged.
func openDeadLetterSink(cfg *workerPkg.WorkerConfig, transport task.Transport, logger *slog.Logger) (task.DeadLetterSink, error) {
	switch {
	case cfg.RabbitMQURL != "":
		sink, err := deadletter.DialRabbitMQ(deadletter.RabbitMQConfig{
			URL:   cfg.RabbitMQURL,
			Queue: cfg.DeadLetterQueue,
		})
		if err != nil {
			return nil, fmt.Errorf("dead-letter broker: %w", err)
		}
		logger.Info("dead letters published to rabbitmq")
		return sink, nil
	case cfg.DeadLetterQueue != "":
		logger.Info("dead letters forwarded to queue", slog.String("dead_letter_queue", cfg.DeadLetterQueue))
		return deadletter.NewQueueSink(transport, cfg.DeadLetterQueue), nil
	default:
		logger.Warn("no dead-letter sink configured; dead letters are logged and dropped")
		return nil, nil
	}
}

// breakerReporter is implemented by transports guarded by a circuit breaker.
type breakerReporter interface {
	Breaker() *circuitbreaker.CircuitBreaker
}

// sampleQueueDepth refreshes the queue depth gauge until ctx is cancelled.
func sampleQueueDepth(ctx context.Context, transport task.Transport, queueName string, logger *slog.Logger) {
	reporter, ok := transport.(task.DepthReporter)
	if !ok {
		return
	}
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		n, err := reporter.Len(ctx, queueName)
		if err == nil {
			metrics.SetQueueDepth(queueName, n)
		} else if ctx.Err() == nil {
			logger.Debug("queue depth sample failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
