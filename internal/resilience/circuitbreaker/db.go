package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// DBCircuitBreaker guards a *sql.DB used by the Postgres transport and the
// job store. Statements fail fast while the database is unavailable.
type DBCircuitBreaker struct {
	cb *CircuitBreaker
	db *sql.DB
}

// DBConfig returns configuration optimized for database circuit breakers.
// Opens after 5 consecutive failures, 30 second open duration.
func DBConfig() Config {
	return Config{
		Name:               "database",
		FailureThreshold:   5,
		OpenDuration:       30 * time.Second,
		HalfOpenTrialLimit: 3,
		IsFailure:          isDBFailure,
	}
}

// isDBFailure keeps "no rows" and caller cancellation from counting
// against the database.
func isDBFailure(err error) bool {
	return !errors.Is(err, sql.ErrNoRows) &&
		!errors.Is(err, context.Canceled)
}

// NewDBCircuitBreaker creates a new database circuit breaker with DBConfig.
func NewDBCircuitBreaker(db *sql.DB) *DBCircuitBreaker {
	return &DBCircuitBreaker{
		cb: MustNew(DBConfig()),
		db: db,
	}
}

// NewDBCircuitBreakerWithConfig creates a new database circuit breaker with custom configuration.
func NewDBCircuitBreakerWithConfig(db *sql.DB, cfg Config) (*DBCircuitBreaker, error) {
	if cfg.IsFailure == nil {
		cfg.IsFailure = isDBFailure
	}
	cb, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &DBCircuitBreaker{cb: cb, db: db}, nil
}

// guard runs op inside cb and returns its typed result.
func guard[T any](cb *CircuitBreaker, op func() (T, error)) (T, error) {
	var out T
	err := cb.Do(func() error {
		v, err := op()
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// QueryContext runs a query inside the breaker. An open circuit returns
// *OpenError without touching the database.
func (dcb *DBCircuitBreaker) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return guard(dcb.cb, func() (*sql.Rows, error) {
		return dcb.db.QueryContext(ctx, query, args...)
	})
}

// ExecContext runs a statement inside the breaker.
func (dcb *DBCircuitBreaker) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return guard(dcb.cb, func() (sql.Result, error) {
		return dcb.db.ExecContext(ctx, query, args...)
	})
}

// QueryRowScan executes a single-row query and scans it into dest inside the breaker.
// Unlike QueryRowContext, the scan error is observed by the breaker.
// sql.ErrNoRows is returned unchanged and does not count as a failure.
func (dcb *DBCircuitBreaker) QueryRowScan(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	return dcb.cb.Do(func() error {
		return dcb.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

// State returns the current state of the circuit breaker.
func (dcb *DBCircuitBreaker) State() gobreaker.State {
	return dcb.cb.State()
}

// IsOpen returns true if the circuit breaker is in the open state.
func (dcb *DBCircuitBreaker) IsOpen() bool {
	return dcb.cb.IsOpen()
}

// Breaker returns the breaker guarding the connection.
func (dcb *DBCircuitBreaker) Breaker() *CircuitBreaker {
	return dcb.cb
}

// DB returns the unguarded connection, for transactions that manage their
// own statements.
func (dcb *DBCircuitBreaker) DB() *sql.DB {
	return dcb.db
}
