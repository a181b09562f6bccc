package task

import (
	"context"
	"errors"

	"taskrelay/internal/domain/entity"
)

// errReportedFailure is the cause used when a handler fails without saying why.
var errReportedFailure = errors.New("handler reported failure")

// Outcome is the result of one handler execution.
type Outcome struct {
	failed bool
	cause  error
}

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{}
}

// Failure returns a failed outcome. A nil cause is replaced by a generic one.
func Failure(cause error) Outcome {
	if cause == nil {
		cause = errReportedFailure
	}
	return Outcome{failed: true, cause: cause}
}

// OK reports whether the handler succeeded.
func (o Outcome) OK() bool {
	return !o.failed
}

// Cause returns the failure cause, or nil on success.
func (o Outcome) Cause() error {
	return o.cause
}

// Handler executes one task. Handlers may run more than once for the same
// message and must be idempotent.
type Handler interface {
	Handle(ctx context.Context, t entity.Task) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t entity.Task) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t entity.Task) Outcome {
	return f(ctx, t)
}

// BoolFunc adapts an attributes-only function reporting success as a bool.
// A returned error counts as failure and is kept as the cause.
type BoolFunc func(ctx context.Context, attrs map[string]any) (bool, error)

// Handle calls f with the task attributes.
func (f BoolFunc) Handle(ctx context.Context, t entity.Task) Outcome {
	ok, err := f(ctx, t.Attributes)
	if err != nil {
		return Failure(err)
	}
	if !ok {
		return Failure(nil)
	}
	return Success()
}
