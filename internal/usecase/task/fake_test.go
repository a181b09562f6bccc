package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/observability/events"
)

type extendCall struct {
	handle  string
	timeout time.Duration
}

type sentMessage struct {
	queue string
	body  []byte
	delay time.Duration
}

// fakeTransport hands out scripted deliveries and records acknowledgements.
type fakeTransport struct {
	mu         sync.Mutex
	pending    []Message
	deletes    []string
	extends    []extendCall
	sent       []sentMessage
	receiveErr []error
	deleteErr  error
	extendErr  error
	sendErr    error

	deleteAttempts int
	extendAttempts int
}

func (f *fakeTransport) deliver(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, msgs...)
}

func (f *fakeTransport) Send(_ context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{queue: queue, body: body, delay: delay})
	return fmt.Sprintf("sent-%d", len(f.sent)), nil
}

func (f *fakeTransport) Receive(ctx context.Context, _ string, max int, wait, _ time.Duration) ([]Message, error) {
	f.mu.Lock()
	if err := ctx.Err(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if len(f.receiveErr) > 0 {
		err := f.receiveErr[0]
		f.receiveErr = f.receiveErr[1:]
		f.mu.Unlock()
		return nil, err
	}
	n := min(max, len(f.pending))
	msgs := append([]Message(nil), f.pending[:n]...)
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if len(msgs) > 0 {
		return msgs, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, nil
	}
}

func (f *fakeTransport) Delete(_ context.Context, _ string, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteAttempts++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, handle)
	return nil
}

func (f *fakeTransport) ExtendVisibility(_ context.Context, _ string, handle string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extendAttempts++
	if f.extendErr != nil {
		return f.extendErr
	}
	f.extends = append(f.extends, extendCall{handle: handle, timeout: timeout})
	return nil
}

// Len reports the deliveries not yet received.
func (f *fakeTransport) Len(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.pending)), nil
}

// attempts returns how many deletes and extensions were tried, failed or not.
func (f *fakeTransport) attempts() (deletes, extends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteAttempts, f.extendAttempts
}

func (f *fakeTransport) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeTransport) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeTransport) extended() []extendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]extendCall(nil), f.extends...)
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// eventRecorder is a concurrency-safe events.Sink.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// deadLetterRecorder is a concurrency-safe DeadLetterSink.
type deadLetterRecorder struct {
	mu      sync.Mutex
	records []DeadLetter
	err     error
}

func (r *deadLetterRecorder) Write(_ context.Context, dl DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, dl)
	return nil
}

func (r *deadLetterRecorder) written() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetter(nil), r.records...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Queue:             "jobs",
		MaxAttempts:       3,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
		WorkerConcurrency: 2,
		ShutdownGrace:     time.Second,
		TransportTimeout:  time.Second,
	}
}

// taskMessage builds a delivery of a task envelope.
func taskMessage(t *testing.T, id, name string, attrs map[string]any, receiveCount int) Message {
	t.Helper()
	body, err := EncodeTask(entity.Task{
		ID:         "exec-" + id,
		Name:       name,
		Attributes: attrs,
		JobID:      "job-1",
		JobName:    "import",
		IssuedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return Message{
		ID:           id,
		Handle:       fmt.Sprintf("%s#%d", id, receiveCount),
		Body:         body,
		ReceiveCount: receiveCount,
	}
}

// startPool starts p and stops it when the test ends.
func startPool(t *testing.T, p *Pool) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if p.State() == StateRunning {
			_ = p.Stop(context.Background())
		}
	})
}

var errHandler = errors.New("handler says no")
