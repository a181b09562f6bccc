// Package pgqueue implements task.Transport on a Postgres table.
//
// Messages live in task_queue_messages (see db.MigrateUp). Receivers claim due
// rows with FOR UPDATE SKIP LOCKED, so concurrent consumers never receive the
// same delivery. Every statement runs through a DBCircuitBreaker.
package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskrelay/internal/resilience/circuitbreaker"
	"taskrelay/internal/usecase/task"
)

const defaultPollEvery = 250 * time.Millisecond

const (
	insertQuery = `
INSERT INTO task_queue_messages (id, queue, body, visible_at, sent_at)
VALUES ($1, $2, $3, $4, $5)`

	claimQuery = `
UPDATE task_queue_messages AS m
SET receive_count = m.receive_count + 1,
    handle = gen_random_uuid(),
    visible_at = $3
FROM (
    SELECT id FROM task_queue_messages
    WHERE queue = $1 AND visible_at <= $2
    ORDER BY visible_at, sent_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
) AS due
WHERE m.id = due.id
RETURNING m.id, m.handle, m.body, m.receive_count, m.sent_at`

	deleteQuery = `DELETE FROM task_queue_messages WHERE queue = $1 AND handle = $2`

	extendQuery = `UPDATE task_queue_messages SET visible_at = $3 WHERE queue = $1 AND handle = $2`

	countQuery = `SELECT count(*) FROM task_queue_messages WHERE queue = $1`
)

// Transport is a Postgres-backed task.Transport.
type Transport struct {
	db        *circuitbreaker.DBCircuitBreaker
	pollEvery time.Duration
	now       func() time.Time
}

var _ task.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithPollEvery sets the pause between empty receive attempts.
func WithPollEvery(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollEvery = d
		}
	}
}

// WithNow sets the time source for visibility deadlines.
func WithNow(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// New returns a transport using db.
func New(db *circuitbreaker.DBCircuitBreaker, opts ...Option) *Transport {
	t := &Transport{db: db, pollEvery: defaultPollEvery, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send inserts body, invisible for delay.
func (t *Transport) Send(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	id := uuid.NewString()
	now := t.now().UTC()
	if _, err := t.db.ExecContext(ctx, insertQuery, id, queue, body, now.Add(delay), now); err != nil {
		return "", task.NewTransportError("send", queue, err)
	}
	return id, nil
}

// Receive polls for due rows until one is claimed or wait elapses.
func (t *Transport) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]task.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := t.claim(ctx, queue, max, visibility)
		if err != nil {
			return nil, task.NewTransportError("receive", queue, err)
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(t.pollEvery, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, task.NewTransportError("receive", queue, ctx.Err())
		case <-timer.C:
		}
	}
}

func (t *Transport) claim(ctx context.Context, queue string, max int, visibility time.Duration) ([]task.Message, error) {
	now := t.now().UTC()
	rows, err := t.db.QueryContext(ctx, claimQuery, queue, now, now.Add(visibility), max)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []task.Message
	for rows.Next() {
		var m task.Message
		if err := rows.Scan(&m.ID, &m.Handle, &m.Body, &m.ReceiveCount, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Delete removes the row if handle is its latest delivery.
func (t *Transport) Delete(ctx context.Context, queue, handle string) error {
	if _, err := uuid.Parse(handle); err != nil {
		return task.NewTransportError("delete", queue, task.ErrStaleHandle)
	}
	res, err := t.db.ExecContext(ctx, deleteQuery, queue, handle)
	if err != nil {
		return task.NewTransportError("delete", queue, err)
	}
	return checkAffected("delete", queue, res)
}

// ExtendVisibility hides the row for timeout from now if handle is its latest delivery.
func (t *Transport) ExtendVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error {
	if _, err := uuid.Parse(handle); err != nil {
		return task.NewTransportError("extend", queue, task.ErrStaleHandle)
	}
	if timeout < 0 {
		timeout = 0
	}
	res, err := t.db.ExecContext(ctx, extendQuery, queue, handle, t.now().UTC().Add(timeout))
	if err != nil {
		return task.NewTransportError("extend", queue, err)
	}
	return checkAffected("extend", queue, res)
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func checkAffected(op, queue string, res rowsAffecter) error {
	n, err := res.RowsAffected()
	if err != nil {
		return task.NewTransportError(op, queue, err)
	}
	if n == 0 {
		return task.NewTransportError(op, queue, task.ErrStaleHandle)
	}
	return nil
}

// Len returns the number of messages in queue, visible or not.
func (t *Transport) Len(ctx context.Context, queue string) (int64, error) {
	var n int64
	if err := t.db.QueryRowScan(ctx, countQuery, []interface{}{queue}, &n); err != nil {
		return 0, task.NewTransportError("count", queue, err)
	}
	return n, nil
}

// Breaker returns the circuit breaker guarding the database.
func (t *Transport) Breaker() *circuitbreaker.CircuitBreaker {
	return t.db.Breaker()
}
