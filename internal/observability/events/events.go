// Package events defines the structured notifications emitted by the task pool
// and circuit breakers, and the sinks that receive them.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskrelay/internal/resilience/circuitbreaker"
)

// Kind identifies what happened.
type Kind string

const (
	KindCircuitTransition Kind = "circuit_transition"
	KindTaskSucceeded     Kind = "task_succeeded"
	KindTaskRetrying      Kind = "task_retrying"
	KindTaskDeadLettered  Kind = "task_dead_lettered"
)

// Event is a single structured notification.
// Task fields are empty for circuit transitions and vice versa.
type Event struct {
	Kind Kind
	At   time.Time

	Task        string
	MessageID   string
	JobID       string
	JobName     string
	Attempt     int
	MaxAttempts int
	Reason      string
	Err         error

	Circuit string
	From    string
	To      string
}

// Sink receives events synchronously.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Emit delivers e to each sink in order, continuing past failures.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver emits e to sink, logging instead of returning failures.
// A panicking or failing sink never interrupts the caller.
func Deliver(ctx context.Context, sink Sink, e Event, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event sink panicked",
				slog.String("kind", string(e.Kind)),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := sink.Emit(ctx, e); err != nil {
		logger.Warn("event sink failed",
			slog.String("kind", string(e.Kind)),
			slog.Any("error", err))
	}
}

// TransitionHook returns a circuitbreaker.Config.OnTransition callback that
// forwards state changes to sink. The sink runs under the breaker's lock.
func TransitionHook(sink Sink, logger *slog.Logger) func(circuitbreaker.Transition) {
	return func(tr circuitbreaker.Transition) {
		Deliver(context.Background(), sink, Event{
			Kind:    KindCircuitTransition,
			At:      tr.At,
			Circuit: tr.Name,
			From:    tr.From.String(),
			To:      tr.To.String(),
		}, logger)
	}
}
