// Package memory provides an in-process task.Transport with visibility
// timeouts. It backs tests and single-process deployments; messages do not
// survive a restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/usecase/task"
)

// ErrClosed indicates an operation on a closed transport.
var ErrClosed = errors.New("memory transport closed")

type message struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	receiveCount int
	handle       string
}

type queue struct {
	// messages in send order
	messages []*message
	handles  map[string]*message
}

// Transport is a set of named in-memory queues.
type Transport struct {
	mu     sync.Mutex
	queues map[string]*queue
	now    func() time.Time
	closed bool

	// signal is closed and replaced whenever a message may have become receivable
	signal chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithNow sets the time source used for visibility deadlines.
func WithNow(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// New returns an empty transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		queues: make(map[string]*queue),
		now:    time.Now,
		signal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ task.Transport = (*Transport)(nil)

func (t *Transport) queue(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{handles: make(map[string]*message)}
		t.queues[name] = q
	}
	return q
}

// wake must be called with t.mu held.
func (t *Transport) wake() {
	close(t.signal)
	t.signal = make(chan struct{})
}

// Send enqueues body, invisible for delay.
func (t *Transport) Send(ctx context.Context, queueName string, body []byte, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", task.NewTransportError("send", queueName, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", task.NewTransportError("send", queueName, ErrClosed)
	}

	now := t.now()
	if delay < 0 {
		delay = 0
	}
	m := &message{
		id:        uuid.NewString(),
		body:      append([]byte(nil), body...),
		sentAt:    now,
		visibleAt: now.Add(delay),
	}
	q := t.queue(queueName)
	q.messages = append(q.messages, m)
	t.wake()
	return m.id, nil
}

// Receive returns up to max visible messages, waiting up to wait for the first.
func (t *Transport) Receive(ctx context.Context, queueName string, max int, wait, visibility time.Duration) ([]task.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(wait)

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, task.NewTransportError("receive", queueName, ErrClosed)
		}
		msgs, next := t.claim(queueName, max, visibility)
		signal := t.signal
		t.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if next > 0 && next < remaining {
			remaining = next
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, task.NewTransportError("receive", queueName, ctx.Err())
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claim takes up to max visible messages. next is how long until the next
// invisible message becomes visible, or zero if there is none.
// Must be called with t.mu held.
func (t *Transport) claim(queueName string, max int, visibility time.Duration) ([]task.Message, time.Duration) {
	q, ok := t.queues[queueName]
	if !ok {
		return nil, 0
	}
	now := t.now()
	var (
		out  []task.Message
		next time.Duration
	)
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			if until := m.visibleAt.Sub(now); next == 0 || until < next {
				next = until
			}
			continue
		}
		if len(out) == max {
			break
		}
		if m.handle != "" {
			delete(q.handles, m.handle)
		}
		m.receiveCount++
		m.handle = uuid.NewString()
		m.visibleAt = now.Add(visibility)
		q.handles[m.handle] = m
		out = append(out, task.Message{
			ID:           m.id,
			Handle:       m.handle,
			Body:         append([]byte(nil), m.body...),
			ReceiveCount: m.receiveCount,
			SentAt:       m.sentAt,
		})
	}
	return out, next
}

// Delete removes the message delivered under handle.
func (t *Transport) Delete(_ context.Context, queueName, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, m, err := t.lookup(queueName, handle)
	if err != nil {
		return task.NewTransportError("delete", queueName, err)
	}
	delete(q.handles, handle)
	for i, candidate := range q.messages {
		if candidate == m {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			break
		}
	}
	return nil
}

// ExtendVisibility hides the message delivered under handle for timeout from now.
func (t *Transport) ExtendVisibility(_ context.Context, queueName, handle string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, m, err := t.lookup(queueName, handle)
	if err != nil {
		return task.NewTransportError("extend", queueName, err)
	}
	if timeout < 0 {
		timeout = 0
	}
	m.visibleAt = t.now().Add(timeout)
	if timeout == 0 {
		t.wake()
	}
	return nil
}

// Must be called with t.mu held.
func (t *Transport) lookup(queueName, handle string) (*queue, *message, error) {
	if t.closed {
		return nil, nil, ErrClosed
	}
	q, ok := t.queues[queueName]
	if !ok {
		return nil, nil, task.ErrStaleHandle
	}
	m, ok := q.handles[handle]
	if !ok {
		return nil, nil, task.ErrStaleHandle
	}
	return q, m, nil
}

// Len returns the number of messages in the queue, visible or not.
// It matches the redis and postgres transports and never fails.
func (t *Transport) Len(_ context.Context, queueName string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[queueName]; ok {
		return int64(len(q.messages)), nil
	}
	return 0, nil
}

// depth is Len for tests and callers without a context.
func (t *Transport) depth(queueName string) int {
	n, _ := t.Len(context.Background(), queueName)
	return int(n)
}

// Close rejects further operations and wakes blocked receivers.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.wake()
	}
	return nil
}
