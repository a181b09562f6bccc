package jobstore

import (
	"context"
	"errors"
	"strconv"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/observability/events"
)

// StatusTaskFailed is set on a job when one of its tasks is dead-lettered.
const StatusTaskFailed = "task_failed"

// EventSink records dead-lettered tasks against their job. Events whose job
// id is not a tracker id are ignored.
type EventSink struct {
	tracker *Tracker
}

var _ events.Sink = (*EventSink)(nil)

// NewEventSink returns a sink updating jobs in tracker.
func NewEventSink(tracker *Tracker) *EventSink {
	return &EventSink{tracker: tracker}
}

// Emit handles task_dead_lettered events.
func (s *EventSink) Emit(ctx context.Context, e events.Event) error {
	if e.Kind != events.KindTaskDeadLettered || e.JobID == "" {
		return nil
	}
	id, err := strconv.ParseInt(e.JobID, 10, 64)
	if err != nil {
		return nil
	}

	failure := map[string]any{
		"task":     e.Task,
		"reason":   e.Reason,
		"attempts": e.Attempt,
	}
	if e.Err != nil {
		failure["error"] = e.Err.Error()
	}
	status := StatusTaskFailed
	_, err = s.tracker.Update(ctx, id, entity.JobUpdate{
		Status:     &status,
		Data:       map[string]any{"failed_task:" + e.MessageID: failure},
		AppendData: true,
	})
	if errors.Is(err, ErrJobFinished) {
		return nil
	}
	return err
}
