package metrics

import (
	"context"

	"taskrelay/internal/observability/events"
)

// stateValue maps gobreaker state names onto the CircuitState gauge.
var stateValue = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// EventSink records events as Prometheus metrics. It never fails.
type EventSink struct{}

// NewEventSink returns a sink for events.Multi or task.WithEventSink.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Emit updates the counters and gauges for e.
func (s *EventSink) Emit(_ context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindCircuitTransition:
		CircuitTransitionsTotal.WithLabelValues(e.Circuit, e.From, e.To).Inc()
		if v, ok := stateValue[e.To]; ok {
			CircuitState.WithLabelValues(e.Circuit).Set(v)
		}
	case events.KindTaskSucceeded, events.KindTaskRetrying, events.KindTaskDeadLettered:
		TaskEventsTotal.WithLabelValues(string(e.Kind), e.Task).Inc()
	}
	return nil
}
