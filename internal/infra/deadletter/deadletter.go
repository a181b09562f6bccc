// Package deadletter provides task.DeadLetterSink implementations.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"taskrelay/internal/usecase/task"
)

// QueueSink forwards dead-letter records as JSON to a queue on any transport.
type QueueSink struct {
	transport task.Transport
	queue     string
}

var _ task.DeadLetterSink = (*QueueSink)(nil)

// NewQueueSink returns a sink writing to queue.
func NewQueueSink(transport task.Transport, queue string) *QueueSink {
	return &QueueSink{transport: transport, queue: queue}
}

// Write sends dl to the dead-letter queue.
func (s *QueueSink) Write(ctx context.Context, dl task.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.MessageID, err)
	}
	if _, err := s.transport.Send(ctx, s.queue, body, 0); err != nil {
		return task.NewTransportError("dead_letter", s.queue, err)
	}
	return nil
}
