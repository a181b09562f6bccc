package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/observability/events"
	"taskrelay/internal/observability/logging"
	"taskrelay/internal/observability/tracing"
	"taskrelay/internal/resilience/retry"
)

// inFlightMessage is owned by the single worker processing it.
type inFlightMessage struct {
	msg      Message
	task     entity.Task
	deadline time.Time
}

// work runs one delivery to completion: heartbeat, handler, then
// acknowledge, retry or dead-letter.
func (p *Pool) work(ctx context.Context, msg Message, t entity.Task, handler Handler, policy Policy) {
	m := &inFlightMessage{
		msg:      msg,
		task:     t,
		deadline: p.clock.Now().Add(p.cfg.VisibilityTimeout),
	}
	logger := logging.WithJob(logging.ContextWithJob(ctx, t.JobID, t.JobName), p.logger).With(
		slog.String("task", t.Name),
		slog.String("message_id", msg.ID),
		slog.Int("attempt", msg.ReceiveCount))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, m, logger)
	}()

	start := time.Now()
	outcome := p.execute(ctx, handler, policy, m.task, logger)
	elapsed := time.Since(start)

	stopHeartbeat()
	<-hbDone
	recordOutcome(t.Name, outcome.OK(), elapsed)

	if ctx.Err() != nil {
		logger.Warn("handler abandoned at shutdown; message left for redelivery",
			slog.Duration("elapsed", elapsed))
		return
	}

	if outcome.OK() {
		p.acknowledge(ctx, m, logger)
		return
	}

	maxAttempts := p.maxAttempts(policy)
	failure := &HandlerFailure{Task: t.Name, Cause: outcome.Cause()}

	if msg.ReceiveCount < maxAttempts {
		p.retryLater(ctx, m, policy, maxAttempts, failure, logger)
		return
	}

	logger.Error("task failed permanently",
		slog.Int("max_attempts", maxAttempts),
		slog.Any("error", failure))
	p.deadLetter(ctx, msg, t, policy, ReasonMaxAttempts, failure)
}

func (p *Pool) maxAttempts(policy Policy) int {
	if policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return p.cfg.MaxAttempts
}

// heartbeat keeps the message invisible while the handler runs.
// A failed extension is logged; the handler keeps running.
func (p *Pool) heartbeat(ctx context.Context, m *inFlightMessage, logger *slog.Logger) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = p.cfg.VisibilityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
			err := p.transport.ExtendVisibility(opCtx, p.cfg.Queue, m.msg.Handle, p.cfg.VisibilityTimeout)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				recordTransportError("extend")
				logger.Warn("failed to extend visibility",
					slog.Time("deadline", m.deadline),
					slog.Any("error", err))
				continue
			}
			m.deadline = p.clock.Now().Add(p.cfg.VisibilityTimeout)
		}
	}
}

// execute runs the handler with the policy timeout. Panics and timeouts
// become failures; a timed-out handler goroutine is abandoned.
// Handlers reach logger through logging.FromContext.
func (p *Pool) execute(ctx context.Context, handler Handler, policy Policy, t entity.Task, logger *slog.Logger) Outcome {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	ctx = logging.ContextWithJob(ctx, t.JobID, t.JobName)
	ctx = logging.WithLogger(ctx, logger)
	ctx, span := tracing.StartTaskSpan(ctx, t.Name, p.cfg.Queue, t.Attempt, t.JobID)

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(&PanicError{Value: r, Stack: debug.Stack()})
			}
		}()
		done <- handler.Handle(ctx, t)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome = Failure(fmt.Errorf("%w: %w", ErrHandlerTimeout, ctx.Err()))
	}
	tracing.EndTaskSpan(span, outcome.Cause())
	return outcome
}

func (p *Pool) acknowledge(ctx context.Context, m *inFlightMessage, logger *slog.Logger) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	defer cancel()

	if err := p.transport.Delete(opCtx, p.cfg.Queue, m.msg.Handle); err != nil {
		recordTransportError("delete")
		logger.Warn("failed to delete completed message; it will be redelivered",
			slog.Any("error", NewTransportError("delete", p.cfg.Queue, err)))
		return
	}
	logger.Debug("task succeeded")
	p.emit(ctx, events.Event{
		Kind:      events.KindTaskSucceeded,
		Task:      m.task.Name,
		MessageID: m.msg.ID,
		JobID:     m.task.JobID,
		JobName:   m.task.JobName,
		Attempt:   m.msg.ReceiveCount,
	})
}

// retryLater leaves the message for redelivery, delaying it when a backoff applies.
func (p *Pool) retryLater(ctx context.Context, m *inFlightMessage, policy Policy, maxAttempts int, failure error, logger *slog.Logger) {
	backoff := p.cfg.Backoff
	if policy.Backoff.Wait > 0 {
		backoff = policy.Backoff
	}
	delay := backoff.Delay(m.msg.ReceiveCount)

	logger.Warn("task failed; leaving for redelivery",
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("delay", delay),
		slog.Any("error", failure))

	if delay > 0 {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
		err := p.transport.ExtendVisibility(opCtx, p.cfg.Queue, m.msg.Handle, delay)
		cancel()
		if err != nil {
			recordTransportError("extend")
			logger.Warn("failed to apply retry backoff",
				slog.Any("error", NewTransportError("extend", p.cfg.Queue, err)))
		}
	}

	p.emit(ctx, events.Event{
		Kind:        events.KindTaskRetrying,
		Task:        m.task.Name,
		MessageID:   m.msg.ID,
		JobID:       m.task.JobID,
		JobName:     m.task.JobName,
		Attempt:     m.msg.ReceiveCount,
		MaxAttempts: maxAttempts,
		Err:         failure,
	})
}

// deadLetter records msg in the sink and removes it from the live queue.
// If the sink rejects the record the message stays on the queue.
func (p *Pool) deadLetter(ctx context.Context, msg Message, t entity.Task, policy Policy, reason DeadLetterReason, cause error) {
	logger := p.logger.With(
		slog.String("message_id", msg.ID),
		slog.String("task", t.Name),
		slog.String("reason", string(reason)))

	dl := DeadLetter{
		Queue:      p.cfg.Queue,
		MessageID:  msg.ID,
		TaskID:     t.ID,
		Task:       t.Name,
		Attributes: t.Attributes,
		JobID:      t.JobID,
		JobName:    t.JobName,
		Attempts:   msg.ReceiveCount,
		Reason:     reason,
		DeadAt:     p.clock.Now(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if reason == ReasonMalformed {
		dl.Body = msg.Body
	}

	if p.deadLetters != nil {
		err := retry.WithBackoff(ctx, p.retryCfg, func() error {
			opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
			defer cancel()
			return p.deadLetters.Write(opCtx, dl)
		})
		if err != nil {
			recordTransportError("dead_letter")
			logger.Error("dead-letter sink rejected message; left for redelivery",
				slog.Any("error", err))
			return
		}
	} else {
		logger.Error("dead-lettering message without a sink",
			slog.Any("attributes", t.Attributes),
			slog.Any("error", cause))
	}

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	err := p.transport.Delete(opCtx, p.cfg.Queue, msg.Handle)
	cancel()
	if err != nil {
		recordTransportError("delete")
		logger.Warn("failed to delete dead-lettered message; it will be redelivered",
			slog.Any("error", NewTransportError("delete", p.cfg.Queue, err)))
		return
	}

	recordDeadLettered(reason)
	p.emit(ctx, events.Event{
		Kind:        events.KindTaskDeadLettered,
		Task:        t.Name,
		MessageID:   msg.ID,
		JobID:       t.JobID,
		JobName:     t.JobName,
		Attempt:     msg.ReceiveCount,
		MaxAttempts: p.maxAttempts(policy),
		Reason:      string(reason),
		Err:         cause,
	})

	if reason == ReasonMaxAttempts && policy.OnFail != "" {
		p.issueFollowUp(ctx, t, policy.OnFail, logger)
	}
}

// issueFollowUp sends the policy's on-fail task with the failed task's attributes.
func (p *Pool) issueFollowUp(ctx context.Context, t entity.Task, name string, logger *slog.Logger) {
	if p.producer == nil {
		logger.Warn("on-fail task configured but pool has no producer",
			slog.String("on_fail", name))
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	defer cancel()

	id, err := p.producer.Send(opCtx, name, t.Attributes, t.JobID, t.JobName)
	if err != nil {
		logger.Error("failed to issue on-fail task",
			slog.String("on_fail", name),
			slog.Any("error", err))
		return
	}
	logger.Info("issued on-fail task",
		slog.String("on_fail", name),
		slog.String("follow_up_message_id", id))
}
