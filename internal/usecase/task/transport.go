package task

import (
	"context"
	"time"
)

// Message is one delivery of a queue message.
type Message struct {
	// ID identifies the message across deliveries
	ID string

	// Handle identifies this delivery; Delete and ExtendVisibility need it
	Handle string

	Body []byte

	// ReceiveCount is the number of times the message has been delivered, including this one
	ReceiveCount int

	SentAt time.Time
}

// Transport is an at-least-once queue with visibility timeouts.
// Every failure is reported as a *TransportError.
type Transport interface {
	// Send enqueues body, invisible for delay, and returns the message id.
	Send(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)

	// Receive returns up to max visible messages, waiting up to wait for the
	// first one. Returned messages stay invisible for visibility.
	// An empty result is not an error.
	Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error)

	// Delete acknowledges a delivery.
	Delete(ctx context.Context, queue, handle string) error

	// ExtendVisibility hides a delivered message for timeout from now.
	ExtendVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error
}

// DepthReporter is implemented by transports that can count the messages on a queue.
type DepthReporter interface {
	Len(ctx context.Context, queue string) (int64, error)
}
