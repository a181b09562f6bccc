// Package jobstore tracks the progress of jobs in MySQL.
//
// A job groups the tasks that share a job id. Handlers update its status and
// data as they go; once a job is ended it accepts no further updates.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/resilience/circuitbreaker"
)

// ErrJobFinished indicates an update to a job that has already ended.
var ErrJobFinished = errors.New("job already finished")

const (
	insertJob = `INSERT INTO jobs (status, data, application, meta, finished, created_at, updated_at) VALUES (?, ?, ?, ?, FALSE, ?, ?)`

	selectJob = `SELECT id, status, data, application, meta, finished, created_at, updated_at FROM jobs WHERE id = ?`

	updateJob = `UPDATE jobs SET status = ?, data = ?, finished = ?, updated_at = ? WHERE id = ?`

	deleteJob = `DELETE FROM jobs WHERE id = ?`
)

// NormalizeDSN returns dsn with the options the tracker relies on:
// parseTime for DATETIME columns and UTC as the location.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Tracker stores jobs for one application.
type Tracker struct {
	db          *circuitbreaker.DBCircuitBreaker
	application string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithNow sets the time source for timestamps.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a tracker writing jobs owned by application.
func New(db *circuitbreaker.DBCircuitBreaker, application string, opts ...Option) *Tracker {
	t := &Tracker{
		db:          db,
		application: application,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) timestamp() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

// Create stores a new unfinished job.
func (t *Tracker) Create(ctx context.Context, status string, data map[string]any, meta string) (entity.Job, error) {
	if status == "" {
		return entity.Job{}, &entity.ValidationError{Field: "status", Message: "status is required"}
	}
	raw, err := encodeData(data)
	if err != nil {
		return entity.Job{}, err
	}
	now := t.timestamp()

	res, err := t.db.ExecContext(ctx, insertJob, status, raw, t.application, meta, now, now)
	if err != nil {
		return entity.Job{}, fmt.Errorf("create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entity.Job{}, fmt.Errorf("create job: %w", err)
	}
	return entity.Job{
		ID:          id,
		Status:      status,
		Data:        cloneData(data),
		Application: t.application,
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns the job with id, or entity.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id int64) (entity.Job, error) {
	var (
		j   entity.Job
		raw []byte
	)
	err := t.db.QueryRowScan(ctx, selectJob, []interface{}{id},
		&j.ID, &j.Status, &raw, &j.Application, &j.Meta, &j.Finished, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Job{}, fmt.Errorf("job %d: %w", id, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	if j.Data, err = decodeData(raw); err != nil {
		return entity.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// Update applies upd inside a transaction. A finished job is returned
// unchanged together with ErrJobFinished.
func (t *Tracker) Update(ctx context.Context, id int64, upd entity.JobUpdate) (entity.Job, error) {
	var result entity.Job
	var finished bool

	err := t.db.Breaker().Do(func() error {
		tx, err := t.db.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		current, err := scanJob(tx.QueryRowContext(ctx, selectJob+" FOR UPDATE", id))
		if err != nil {
			return err
		}
		if current.Finished {
			result, finished = current, true
			return nil
		}

		next := upd.Apply(current)
		next.UpdatedAt = t.timestamp()
		raw, err := encodeData(next.Data)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateJob, next.Status, raw, next.Finished, next.UpdatedAt, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = next
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Job{}, fmt.Errorf("job %d: %w", id, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	if finished {
		t.logger.Warn("update of finished job ignored", slog.Int64("job_id", id))
		return result, fmt.Errorf("update job %d: %w", id, ErrJobFinished)
	}
	return result, nil
}

// End marks the job finished. Ending a finished job is logged and otherwise ignored.
func (t *Tracker) End(ctx context.Context, id int64) (entity.Job, error) {
	j, err := t.Update(ctx, id, entity.JobUpdate{End: true})
	if errors.Is(err, ErrJobFinished) {
		return j, nil
	}
	return j, err
}

// Delete removes the job. Deleting a missing job is logged and otherwise ignored.
func (t *Tracker) Delete(ctx context.Context, id int64) error {
	res, err := t.db.ExecContext(ctx, deleteJob, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		t.logger.Warn("delete of missing job ignored", slog.Int64("job_id", id))
	}
	return nil
}

// Ready checks that the jobs table can be queried.
func (t *Tracker) Ready(ctx context.Context) error {
	rows, err := t.db.QueryContext(ctx, `SELECT id FROM jobs LIMIT 1`)
	if err != nil {
		return fmt.Errorf("job store not ready: %w", err)
	}
	return rows.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (entity.Job, error) {
	var (
		j   entity.Job
		raw []byte
	)
	if err := row.Scan(&j.ID, &j.Status, &raw, &j.Application, &j.Meta, &j.Finished, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return entity.Job{}, err
	}
	data, err := decodeData(raw)
	if err != nil {
		return entity.Job{}, err
	}
	j.Data = data
	return j, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}
	return raw, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return data, nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
