package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/observability/events"
	"taskrelay/internal/resilience/retry"
)

// PoolState is the lifecycle state of a Pool.
type PoolState int32

const (
	StateStopped PoolState = iota
	StateRunning
	StateDraining
)

func (s PoolState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PoolConfig is fixed for the lifetime of one Start/Stop cycle.
type PoolConfig struct {
	// Queue is the queue to consume
	Queue string

	// MaxAttempts is the number of deliveries after which a failing message is dead-lettered
	MaxAttempts int

	// VisibilityTimeout hides a received message from other consumers; workers
	// extend it every half period while the handler runs
	VisibilityTimeout time.Duration

	// PollInterval is the longest a receive waits, and the pacing of empty polls
	PollInterval time.Duration

	// WorkerConcurrency bounds simultaneous handler executions
	WorkerConcurrency int

	// ShutdownGrace bounds how long Stop waits for in-flight handlers; zero waits for Stop's context only
	ShutdownGrace time.Duration

	// TransportTimeout bounds every delete, extend and dead-letter call, and is
	// added to PollInterval for receives
	TransportTimeout time.Duration

	// Backoff delays redelivery of failed messages
	Backoff Backoff

	// MaxWorkerConcurrency enables scaling when above WorkerConcurrency: while
	// the queue is deep the slot limit grows one step at a time up to this
	// ceiling, and shrinks back to WorkerConcurrency as it empties. Zero
	// disables scaling. The transport must implement DepthReporter.
	MaxWorkerConcurrency int

	// ScaleFactor is the queue depth that justifies one worker slot
	ScaleFactor int
}

// DefaultPoolConfig returns a configuration for queue with conservative defaults.
func DefaultPoolConfig(queue string) PoolConfig {
	return PoolConfig{
		Queue:             queue,
		MaxAttempts:       10,
		VisibilityTimeout: 120 * time.Second,
		PollInterval:      5 * time.Second,
		WorkerConcurrency: 3,
		ShutdownGrace:     30 * time.Second,
		TransportTimeout:  10 * time.Second,
		ScaleFactor:       100,
	}
}

// scaling reports whether the slot limit may grow above WorkerConcurrency.
func (c PoolConfig) scaling() bool {
	return c.MaxWorkerConcurrency > c.WorkerConcurrency
}

// capacity is the most slots a run can ever hand out.
func (c PoolConfig) capacity() int {
	return max(c.WorkerConcurrency, c.MaxWorkerConcurrency)
}

// Validate returns every invalid setting joined; each matches ErrConfiguration.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.Queue == "" {
		errs = append(errs, &ConfigurationError{Field: "queue", Reason: "is required"})
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, &ConfigurationError{Field: "max_attempts", Reason: fmt.Sprintf("must be positive, got %d", c.MaxAttempts)})
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, &ConfigurationError{Field: "visibility_timeout", Reason: fmt.Sprintf("must be positive, got %v", c.VisibilityTimeout)})
	}
	if c.PollInterval <= 0 {
		errs = append(errs, &ConfigurationError{Field: "poll_interval", Reason: fmt.Sprintf("must be positive, got %v", c.PollInterval)})
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, &ConfigurationError{Field: "worker_concurrency", Reason: fmt.Sprintf("must be positive, got %d", c.WorkerConcurrency)})
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, &ConfigurationError{Field: "shutdown_grace", Reason: fmt.Sprintf("must not be negative, got %v", c.ShutdownGrace)})
	}
	if c.TransportTimeout <= 0 {
		errs = append(errs, &ConfigurationError{Field: "transport_timeout", Reason: fmt.Sprintf("must be positive, got %v", c.TransportTimeout)})
	}
	if c.MaxWorkerConcurrency != 0 && c.MaxWorkerConcurrency < c.WorkerConcurrency {
		errs = append(errs, &ConfigurationError{Field: "max_worker_concurrency", Reason: fmt.Sprintf("must be zero or at least worker_concurrency, got %d", c.MaxWorkerConcurrency)})
	}
	if c.scaling() && c.ScaleFactor <= 0 {
		errs = append(errs, &ConfigurationError{Field: "scale_factor", Reason: fmt.Sprintf("must be positive when scaling, got %d", c.ScaleFactor)})
	}
	if err := c.Backoff.validate("backoff"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Pool consumes one queue with a single coordinator and a bounded set of workers.
type Pool struct {
	transport   Transport
	registry    *Registry
	cfg         PoolConfig
	logger      *slog.Logger
	clock       Clock
	events      events.Sink
	deadLetters DeadLetterSink
	producer    *Producer
	retryCfg    retry.Config

	mu    sync.Mutex
	state PoolState
	run   *poolRun

	inFlight atomic.Int64
}

// poolRun holds everything owned by one Start/Stop cycle. Workers abandoned
// at shutdown keep a reference to their own run only.
//
// sem holds capacity slots. Slots above the current limit are held back by
// the scaler, so handlers never use more than limit of them.
type poolRun struct {
	sem        *semaphore.Weighted
	limit      atomic.Int64
	reserved   int // owned by the scaler goroutine
	depth      DepthReporter
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup

	claimMu sync.Mutex
	claimed map[string]struct{}
}

// claim records id as in flight. It returns false if it already is.
func (r *poolRun) claim(id string) bool {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if _, busy := r.claimed[id]; busy {
		return false
	}
	r.claimed[id] = struct{}{}
	return true
}

func (r *poolRun) release(id string) {
	r.claimMu.Lock()
	delete(r.claimed, id)
	r.claimMu.Unlock()
	r.sem.Release(1)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithClock sets the clock used for deadlines and timestamps.
func WithClock(c Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithEventSink sets the sink notified of task outcomes.
func WithEventSink(s events.Sink) PoolOption {
	return func(p *Pool) { p.events = s }
}

// WithDeadLetterSink sets where dead-lettered messages are recorded.
// Without a sink, dead-lettered messages are logged and deleted.
func WithDeadLetterSink(s DeadLetterSink) PoolOption {
	return func(p *Pool) { p.deadLetters = s }
}

// WithProducer sets the producer used to issue Policy.OnFail follow-up tasks.
func WithProducer(pr *Producer) PoolOption {
	return func(p *Pool) { p.producer = pr }
}

// WithDeadLetterRetry sets the retry policy for dead-letter sink writes.
func WithDeadLetterRetry(cfg retry.Config) PoolOption {
	return func(p *Pool) { p.retryCfg = cfg }
}

// NewPool returns a stopped pool. Configuration is validated by Start.
func NewPool(transport Transport, registry *Registry, cfg PoolConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		transport: transport,
		registry:  registry,
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     SystemClock{},
		retryCfg:  retry.DeadLetterConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// State returns the lifecycle state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InFlight returns the number of handlers currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// WorkerLimit returns how many handlers may run at once. It only differs from
// WorkerConcurrency while scaling has raised it.
func (p *Pool) WorkerLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return p.cfg.WorkerConcurrency
	}
	return int(p.run.limit.Load())
}

// Start validates the configuration, seals the registry and starts polling.
// An invalid configuration or policy returns an error matching ErrConfiguration.
// Cancelling ctx stops receiving and drains the pool as Stop would, bounded by
// ShutdownGrace; State reports draining until then and stopped afterwards.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return fmt.Errorf("%w: state is %s", ErrPoolRunning, p.state)
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.transport == nil {
		return &ConfigurationError{Field: "transport", Reason: "is required"}
	}
	if p.registry == nil {
		return &ConfigurationError{Field: "registry", Reason: "is required"}
	}
	if err := p.registry.validate(); err != nil {
		return err
	}
	var depth DepthReporter
	if p.cfg.scaling() {
		var ok bool
		if depth, ok = p.transport.(DepthReporter); !ok {
			return &ConfigurationError{Field: "max_worker_concurrency", Reason: "transport cannot report queue depth"}
		}
	}
	p.registry.Seal()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	run := &poolRun{
		sem:        semaphore.NewWeighted(int64(p.cfg.capacity())),
		reserved:   p.cfg.capacity() - p.cfg.WorkerConcurrency,
		depth:      depth,
		cancelLoop: cancelLoop,
		loopDone:   make(chan struct{}),
		workCtx:    workCtx,
		cancelWork: cancelWork,
		claimed:    make(map[string]struct{}),
	}
	run.sem.TryAcquire(int64(run.reserved))
	run.limit.Store(int64(p.cfg.WorkerConcurrency))
	recordWorkerLimit(p.cfg.Queue, p.cfg.WorkerConcurrency)
	p.run = run
	p.state = StateRunning

	p.logger.Info("task pool started",
		slog.String("queue", p.cfg.Queue),
		slog.Int("workers", p.cfg.WorkerConcurrency),
		slog.Int("max_workers", p.cfg.capacity()),
		slog.Int("max_attempts", p.cfg.MaxAttempts),
		slog.Duration("visibility_timeout", p.cfg.VisibilityTimeout),
		slog.Any("tasks", p.registry.Names()))

	go func() {
		var wg sync.WaitGroup
		if run.depth != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.autoscale(loopCtx, run)
			}()
		}
		p.loop(loopCtx, run)
		wg.Wait()
		close(run.loopDone)
		p.finish(run)
	}()
	return nil
}

// Stop stops receiving and waits for in-flight handlers to finish, bounded by
// ShutdownGrace and ctx. When the wait is cut short the remaining handlers are
// abandoned and their messages are left for redelivery.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrPoolNotRunning, state)
	}
	p.state = StateDraining
	run := p.run
	run.cancelLoop()
	p.mu.Unlock()

	p.logger.Info("task pool draining",
		slog.String("queue", p.cfg.Queue),
		slog.Int("in_flight", p.InFlight()))
	return p.drain(ctx, run)
}

// finish drains a run whose loop ended because the Start context was
// cancelled. Runs ended by Stop are already draining and are left alone.
func (p *Pool) finish(run *poolRun) {
	p.mu.Lock()
	if p.run != run || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateDraining
	p.mu.Unlock()

	p.logger.Info("task pool context cancelled; draining",
		slog.String("queue", p.cfg.Queue),
		slog.Int("in_flight", p.InFlight()))
	_ = p.drain(context.Background(), run)
}

// drain waits for the loop and in-flight handlers, bounded by ShutdownGrace
// and ctx, then marks the pool stopped.
func (p *Pool) drain(ctx context.Context, run *poolRun) error {
	drained := make(chan struct{})
	go func() {
		<-run.loopDone
		run.workers.Wait()
		close(drained)
	}()

	var grace <-chan time.Time
	if p.cfg.ShutdownGrace > 0 {
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		grace = timer.C
	}

	var err error
	select {
	case <-drained:
	case <-grace:
		err = fmt.Errorf("%w: %d handlers abandoned", ErrShutdownGrace, p.InFlight())
	case <-ctx.Done():
		err = fmt.Errorf("stop task pool: %w", ctx.Err())
	}
	run.cancelWork()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("task pool stopped before handlers finished",
			slog.String("queue", p.cfg.Queue),
			slog.Any("error", err))
		return err
	}
	p.logger.Info("task pool stopped", slog.String("queue", p.cfg.Queue))
	return nil
}

// loop is the coordinator. It never blocks on handler completion.
func (p *Pool) loop(ctx context.Context, run *poolRun) {
	// paces iterations that produced nothing
	limiter := rate.NewLimiter(rate.Every(p.cfg.PollInterval), 1)

	for {
		free, err := p.acquireSlots(ctx, run)
		if err != nil {
			return
		}

		msgs, err := p.receive(ctx, free)
		if err != nil {
			run.sem.Release(int64(free))
			if ctx.Err() != nil {
				return
			}
			recordTransportError("receive")
			p.logger.Warn("receive failed; retrying on next poll",
				slog.String("queue", p.cfg.Queue),
				slog.Any("error", err))
			if limiter.Wait(ctx) != nil {
				return
			}
			continue
		}

		if len(msgs) > free {
			p.logger.Warn("transport returned more messages than requested; extras left for redelivery",
				slog.Int("requested", free),
				slog.Int("received", len(msgs)))
			msgs = msgs[:free]
		}
		if len(msgs) > 0 {
			recordReceived(p.cfg.Queue, len(msgs))
		}
		for _, msg := range msgs {
			p.dispatch(run, msg)
		}
		if unused := free - len(msgs); unused > 0 {
			run.sem.Release(int64(unused))
		}

		if len(msgs) == 0 && limiter.Wait(ctx) != nil {
			return
		}
	}
}

// acquireSlots waits for one free worker slot and takes any others that are free.
func (p *Pool) acquireSlots(ctx context.Context, run *poolRun) (int, error) {
	if err := run.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	n := 1
	for n < p.cfg.capacity() && run.sem.TryAcquire(1) {
		n++
	}
	return n, nil
}

// autoscale samples the queue depth every PollInterval and moves the slot
// limit one step when the depth leaves the band of half a ScaleFactor around
// limit*ScaleFactor. It never goes below WorkerConcurrency or above
// MaxWorkerConcurrency.
func (p *Pool) autoscale(ctx context.Context, run *poolRun) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.rescale(ctx, run)
		}
	}
}

func (p *Pool) rescale(ctx context.Context, run *poolRun) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	depth, err := run.depth.Len(opCtx, p.cfg.Queue)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			recordTransportError("len")
			p.logger.Debug("queue depth sample failed; keeping worker limit",
				slog.String("queue", p.cfg.Queue),
				slog.Any("error", err))
		}
		return
	}

	limit := int(run.limit.Load())
	factor := int64(p.cfg.ScaleFactor)
	target := int64(limit) * factor

	next := limit
	switch {
	case depth > target+factor/2 && limit < p.cfg.MaxWorkerConcurrency:
		next++
		run.limit.Store(int64(next))
		run.reserved--
		run.sem.Release(1)
	case depth < target-factor/2 && limit > p.cfg.WorkerConcurrency:
		// waits for a busy slot to come free
		if run.sem.Acquire(ctx, 1) != nil {
			return
		}
		run.reserved++
		next--
		run.limit.Store(int64(next))
	default:
		return
	}

	recordWorkerLimit(p.cfg.Queue, next)
	p.logger.Info("worker limit changed",
		slog.String("queue", p.cfg.Queue),
		slog.Int("from", limit),
		slog.Int("to", next),
		slog.Int64("depth", depth))
}

func (p *Pool) receive(ctx context.Context, max int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval+p.cfg.TransportTimeout)
	defer cancel()

	msgs, err := p.transport.Receive(ctx, p.cfg.Queue, max, p.cfg.PollInterval, p.cfg.VisibilityTimeout)
	if err != nil {
		return nil, NewTransportError("receive", p.cfg.Queue, err)
	}
	return msgs, nil
}

// dispatch hands msg to a worker goroutine, which takes over one acquired slot.
// A panic here leaves the message untouched for redelivery.
func (p *Pool) dispatch(run *poolRun, msg Message) {
	claimed, handedOff := false, false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch panicked; message left for redelivery",
				slog.String("message_id", msg.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		switch {
		case handedOff:
		case claimed:
			run.release(msg.ID)
		default:
			run.sem.Release(1)
		}
	}()

	if !run.claim(msg.ID) {
		p.logger.Debug("message already in flight; skipping duplicate delivery",
			slog.String("message_id", msg.ID))
		return
	}
	claimed = true

	t, err := DecodeTask(msg)
	if err != nil {
		handedOff = true
		p.spawn(run, msg, func(ctx context.Context) {
			p.deadLetter(ctx, msg, entity.Task{Attempt: msg.ReceiveCount}, Policy{}, ReasonMalformed, err)
		})
		return
	}

	handler, policy, err := p.registry.Resolve(t.Name)
	if err != nil {
		p.logger.Warn("received unknown task",
			slog.String("task", t.Name),
			slog.String("message_id", msg.ID))
		handedOff = true
		p.spawn(run, msg, func(ctx context.Context) {
			p.deadLetter(ctx, msg, t, policy, ReasonUnknownTask, err)
		})
		return
	}

	handedOff = true
	p.spawn(run, msg, func(ctx context.Context) {
		p.work(ctx, msg, t, handler, policy)
	})
}

// spawn runs fn on its own goroutine, releasing the slot and claim afterwards.
func (p *Pool) spawn(run *poolRun, msg Message, fn func(ctx context.Context)) {
	run.workers.Add(1)
	p.inFlight.Add(1)
	taskInFlight.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked; message left for redelivery",
					slog.String("message_id", msg.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			run.release(msg.ID)
			taskInFlight.Dec()
			p.inFlight.Add(-1)
			run.workers.Done()
		}()
		fn(run.workCtx)
	}()
}

func (p *Pool) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = p.clock.Now()
	}
	events.Deliver(ctx, p.events, e, p.logger)
}
