package task

import (
	"encoding/json"
	"fmt"
	"time"

	"taskrelay/internal/domain/entity"
)

// envelope is the wire form of a task.
type envelope struct {
	ID         string         `json:"id"`
	Task       string         `json:"task"`
	Attributes map[string]any `json:"attributes"`
	JobID      string         `json:"job_id,omitempty"`
	JobName    string         `json:"job_name,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// EncodeTask serializes t into a queue message body.
func EncodeTask(t entity.Task) ([]byte, error) {
	attrs := t.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	body, err := json.Marshal(envelope{
		ID:         t.ID,
		Task:       t.Name,
		Attributes: attrs,
		JobID:      t.JobID,
		JobName:    t.JobName,
		IssuedAt:   t.IssuedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode task %q: %w", t.Name, err)
	}
	return body, nil
}

// DecodeTask parses a queue message into a task, taking the attempt from
// the delivery's receive count.
func DecodeTask(msg Message) (entity.Task, error) {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return entity.Task{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.Task == "" {
		return entity.Task{}, fmt.Errorf("%w: missing task name", ErrMalformedMessage)
	}
	if env.Attributes == nil {
		env.Attributes = map[string]any{}
	}
	return entity.Task{
		ID:         env.ID,
		Name:       env.Task,
		Attributes: env.Attributes,
		JobID:      env.JobID,
		JobName:    env.JobName,
		Attempt:    msg.ReceiveCount,
		IssuedAt:   env.IssuedAt,
	}, nil
}
