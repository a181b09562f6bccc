package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"taskrelay/internal/usecase/task"
)

const defaultRabbitMQQueue = "taskrelay.dead_letters"

// ErrNotConfirmed indicates that the broker nacked a dead-letter publish.
var ErrNotConfirmed = errors.New("rabbitmq did not confirm publish")

// RabbitMQConfig describes the broker connection.
type RabbitMQConfig struct {
	URL   string
	Queue string
}

// publisher is the part of *amqp.Channel the sink uses.
type publisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQSink publishes dead-letter records to a durable queue with
// persistent delivery and waits for publisher confirms.
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    publisher
	queue string
}

var _ task.DeadLetterSink = (*RabbitMQSink)(nil)

// DialRabbitMQ connects, declares the durable queue and enables confirms.
func DialRabbitMQ(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitMQQueue
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue %q: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable rabbitmq confirms: %w", err)
	}

	sink := NewRabbitMQSink(ch, queue)
	sink.conn = conn
	return sink, nil
}

// NewRabbitMQSink wraps an open channel.
func NewRabbitMQSink(ch publisher, queue string) *RabbitMQSink {
	if queue == "" {
		queue = defaultRabbitMQQueue
	}
	return &RabbitMQSink{ch: ch, queue: queue}
}

// Write publishes dl and, when the channel is in confirm mode, waits for the broker ack.
func (s *RabbitMQSink) Write(ctx context.Context, dl task.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.MessageID, err)
	}

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.MessageID,
		Timestamp:    dl.DeadAt,
		Type:         string(dl.Reason),
		Body:         body,
	})
	if err != nil {
		return task.NewTransportError("dead_letter", s.queue, err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return task.NewTransportError("dead_letter", s.queue, err)
	}
	if !acked {
		return task.NewTransportError("dead_letter", s.queue, ErrNotConfirmed)
	}
	return nil
}

// Close closes the channel and, for dialed sinks, the connection.
func (s *RabbitMQSink) Close() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
