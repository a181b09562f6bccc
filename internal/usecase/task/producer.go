package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/domain/entity"
)

// Producer enqueues tasks. It does not retry; a failed send is returned to the caller.
type Producer struct {
	transport Transport
	queue     string
	clock     Clock
	logger    *slog.Logger

	// strict rejects tasks missing from this registry when set
	strict *Registry
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerClock sets the clock used for IssuedAt and NotBefore.
func WithProducerClock(c Clock) ProducerOption {
	return func(p *Producer) { p.clock = c }
}

// WithProducerLogger sets the logger.
func WithProducerLogger(l *slog.Logger) ProducerOption {
	return func(p *Producer) { p.logger = l }
}

// WithStrictRegistry makes Send fail with ErrUnknownTask for names not in reg.
func WithStrictRegistry(reg *Registry) ProducerOption {
	return func(p *Producer) { p.strict = reg }
}

// NewProducer returns a producer sending to queue.
func NewProducer(transport Transport, queue string, opts ...ProducerOption) *Producer {
	p := &Producer{
		transport: transport,
		queue:     queue,
		clock:     SystemClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type sendOptions struct {
	delay     time.Duration
	notBefore time.Time
	execID    string
}

// SendOption configures a single Send.
type SendOption func(*sendOptions)

// WithDelay keeps the message invisible for d after it is sent.
func WithDelay(d time.Duration) SendOption {
	return func(o *sendOptions) { o.delay = d }
}

// WithNotBefore keeps the message invisible until t.
func WithNotBefore(t time.Time) SendOption {
	return func(o *sendOptions) { o.notBefore = t }
}

// WithExecutionID sets the task id instead of generating one.
func WithExecutionID(id string) SendOption {
	return func(o *sendOptions) { o.execID = id }
}

// Queue returns the destination queue.
func (p *Producer) Queue() string {
	return p.queue
}

// Send serializes the task and enqueues it, returning the queue's message id.
// Transport failures are returned as *TransportError.
func (p *Producer) Send(ctx context.Context, name string, attrs map[string]any, jobID, jobName string, opts ...SendOption) (string, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if p.strict != nil && !p.strict.Has(name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	now := p.clock.Now()
	t := entity.Task{
		ID:         o.execID,
		Name:       name,
		Attributes: attrs,
		JobID:      jobID,
		JobName:    jobName,
		IssuedAt:   now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("send task: %w", err)
	}

	delay := o.delay
	if !o.notBefore.IsZero() {
		if until := o.notBefore.Sub(now); until > delay {
			delay = until
		}
	}
	if delay < 0 {
		delay = 0
	}

	body, err := EncodeTask(t)
	if err != nil {
		return "", err
	}

	id, err := p.transport.Send(ctx, p.queue, body, delay)
	if err != nil {
		recordTransportError("send")
		return "", NewTransportError("send", p.queue, err)
	}

	p.logger.Debug("task sent",
		slog.String("task", name),
		slog.String("task_id", t.ID),
		slog.String("message_id", id),
		slog.String("job_id", jobID),
		slog.Duration("delay", delay))
	return id, nil
}
