package task

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for task processing.
var (
	// ErrUnknownTask indicates that no handler is registered under the task name.
	// Messages naming an unknown task are dead-lettered without running anything.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTaskName indicates that a handler is already registered under the name.
	ErrDuplicateTaskName = errors.New("task name already registered")

	// ErrInvalidTask indicates a registration with an empty name or nil handler.
	ErrInvalidTask = errors.New("invalid task registration")

	// ErrRegistrySealed indicates a registration attempted after a pool started.
	ErrRegistrySealed = errors.New("task registry is sealed")

	// ErrHandlerFailure is matched by every failed handler outcome.
	ErrHandlerFailure = errors.New("task handler failed")

	// ErrHandlerTimeout indicates that a handler exceeded its policy timeout.
	ErrHandlerTimeout = errors.New("task handler timed out")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("queue transport error")

	// ErrStaleHandle indicates a delivery handle that was superseded by a
	// later delivery or already acknowledged.
	ErrStaleHandle = errors.New("stale delivery handle")

	// ErrMalformedMessage indicates a queue message that is not a task envelope.
	ErrMalformedMessage = errors.New("malformed task message")

	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("invalid task pool configuration")

	// ErrPoolRunning indicates Start on a pool that is not stopped.
	ErrPoolRunning = errors.New("task pool already running")

	// ErrPoolNotRunning indicates Stop on a pool that is not running.
	ErrPoolNotRunning = errors.New("task pool is not running")

	// ErrShutdownGrace indicates that in-flight handlers outlived the shutdown grace period.
	ErrShutdownGrace = errors.New("shutdown grace period exceeded")
)

// TransportError reports a failed queue operation.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s on %q: %v", e.Op, e.Queue, e.Err)
}

// Unwrap exposes ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// NewTransportError wraps err as a *TransportError unless it already is one.
func NewTransportError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &TransportError{Op: op, Queue: queue, Err: err}
}

// ConfigurationError reports a setting that prevents a pool from starting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("task pool config %s: %s", e.Field, e.Reason)
}

// Unwrap exposes ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// HandlerFailure carries the cause of a failed handler execution.
type HandlerFailure struct {
	Task  string
	Cause error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Cause)
}

// Unwrap exposes ErrHandlerFailure and the cause.
func (e *HandlerFailure) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Cause}
}

// PanicError is the failure cause recorded when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
