package entity

import (
	"fmt"
	"time"
)

// Task is a named unit of asynchronous work together with its attributes
// and the job it belongs to. A Task is immutable once produced.
type Task struct {
	// ID is the execution id assigned by the producer
	ID         string
	Name       string
	Attributes map[string]any
	JobID      string
	JobName    string

	// Attempt is the delivery count reported by the queue, starting at 1
	Attempt  int
	IssuedAt time.Time
}

// Validate checks the fields a producer must set.
func (t Task) Validate() error {
	if err := ValidateTaskName(t.Name); err != nil {
		return err
	}
	for k := range t.Attributes {
		if k == "" {
			return &ValidationError{Field: "attributes", Message: "attribute names must not be empty"}
		}
	}
	if t.Attempt < 0 {
		return &ValidationError{Field: "attempt", Message: fmt.Sprintf("must not be negative, got %d", t.Attempt)}
	}
	return nil
}

// Attribute returns the named attribute as T.
// ok is false when the attribute is missing or has another type.
func Attribute[T any](t Task, name string) (v T, ok bool) {
	raw, found := t.Attributes[name]
	if !found {
		return v, false
	}
	v, ok = raw.(T)
	return v, ok
}
