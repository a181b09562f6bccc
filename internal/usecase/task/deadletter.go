package task

import (
	"context"
	"time"
)

// DeadLetterReason explains why a message left normal processing.
type DeadLetterReason string

const (
	ReasonMaxAttempts DeadLetterReason = "max_attempts"
	ReasonUnknownTask DeadLetterReason = "unknown_task"
	ReasonMalformed   DeadLetterReason = "malformed"
)

// DeadLetter is the record kept for a message removed from the live queue.
type DeadLetter struct {
	Queue      string           `json:"queue"`
	MessageID  string           `json:"message_id"`
	TaskID     string           `json:"task_id,omitempty"`
	Task       string           `json:"task,omitempty"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	JobID      string           `json:"job_id,omitempty"`
	JobName    string           `json:"job_name,omitempty"`
	Attempts   int              `json:"attempts"`
	Reason     DeadLetterReason `json:"reason"`
	Error      string           `json:"error,omitempty"`
	Body       []byte           `json:"body,omitempty"`
	DeadAt     time.Time        `json:"dead_at"`
}

// DeadLetterSink stores dead-lettered messages for inspection.
// A message is deleted from the live queue only after Write succeeds.
type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
}

// DeadLetterFunc adapts a function to DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, dl DeadLetter) error

// Write calls f.
func (f DeadLetterFunc) Write(ctx context.Context, dl DeadLetter) error {
	return f(ctx, dl)
}
