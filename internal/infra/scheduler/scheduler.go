// Package scheduler issues tasks on cron schedules through a task producer.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskrelay/internal/observability/metrics"
	"taskrelay/internal/pkg/config"
	"taskrelay/internal/usecase/task"
)

// ErrInvalidEntry is returned for schedule entries that cannot be parsed.
var ErrInvalidEntry = errors.New("invalid schedule entry")

// Issuer sends a task to the queue. *task.Producer satisfies it.
type Issuer interface {
	Send(ctx context.Context, name string, attrs map[string]any, jobID, jobName string, opts ...task.SendOption) (string, error)
}

// Entry is one recurring task issuance.
type Entry struct {
	Spec       string
	Task       string
	Attributes map[string]any
}

// jobName labels tasks issued by the scheduler so their logs can be traced back.
func (e Entry) jobName() string {
	return "schedule:" + e.Task
}

// Scheduler wraps a cron runner. Add entries before Start.
type Scheduler struct {
	cron    *cron.Cron
	issuer  Issuer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries []Entry
}

// Option configures a Scheduler.
type Option func(*schedulerOptions)

type schedulerOptions struct {
	location *time.Location
	logger   *slog.Logger
	timeout  time.Duration
}

// WithLocation sets the time zone the cron specs are evaluated in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *schedulerOptions) { o.location = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *schedulerOptions) { o.logger = l }
}

// WithIssueTimeout bounds each send. Default 10s.
func WithIssueTimeout(d time.Duration) Option {
	return func(o *schedulerOptions) { o.timeout = d }
}

// New returns a stopped scheduler.
func New(issuer Issuer, opts ...Option) *Scheduler {
	o := schedulerOptions{
		location: time.UTC,
		logger:   slog.Default(),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(o.location)),
		issuer:  issuer,
		logger:  o.logger,
		timeout: o.timeout,
	}
}

// Add registers e. The spec uses the standard five-field syntax or a
// descriptor such as "@hourly" or "@every 5m".
func (s *Scheduler) Add(e Entry) error {
	if e.Task == "" {
		return fmt.Errorf("%w: task name is empty", ErrInvalidEntry)
	}
	if _, err := s.cron.AddFunc(e.Spec, func() { s.issue(e) }); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidEntry, e.Spec, err)
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns the registered entries in insertion order.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", len(s.Entries())))
}

// Stop prevents new issuances and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// issue sends one scheduled task. Failures are logged; the next tick tries again.
func (s *Scheduler) issue(e Entry) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	id, err := s.issuer.Send(ctx, e.Task, e.Attributes, "", e.jobName())
	metrics.RecordScheduledRun(e.Task, err == nil, time.Since(start))
	if err != nil {
		s.logger.Error("scheduled issuance failed",
			slog.String("task", e.Task),
			slog.String("spec", e.Spec),
			slog.Any("error", err))
		return
	}
	s.logger.Info("scheduled task issued",
		slog.String("task", e.Task),
		slog.String("message_id", id))
}

// ParseEntries parses "spec|task[|json-attributes]" entries separated by ";".
// Blank entries are skipped.
//
// Example:
//
//	entries, err := ParseEntries(`@every 5m|http.ping|{"url":"https://example.com"};0 3 * * *|log.echo`)
func ParseEntries(raw string) ([]Entry, error) {
	var entries []Entry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, "|", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w %q: want spec|task", ErrInvalidEntry, part)
		}
		e := Entry{
			Spec: strings.TrimSpace(fields[0]),
			Task: strings.TrimSpace(fields[1]),
		}
		if e.Spec == "" || e.Task == "" {
			return nil, fmt.Errorf("%w %q: spec and task are required", ErrInvalidEntry, part)
		}
		if err := config.ValidateCronSchedule(e.Spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
		if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" {
			if err := json.Unmarshal([]byte(fields[2]), &e.Attributes); err != nil {
				return nil, fmt.Errorf("%w %q: attributes: %w", ErrInvalidEntry, part, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
