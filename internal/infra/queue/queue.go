// Package queue opens the task.Transport selected by configuration.
package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"taskrelay/internal/infra/db"
	"taskrelay/internal/infra/queue/memory"
	"taskrelay/internal/infra/queue/pgqueue"
	"taskrelay/internal/infra/queue/redisq"
	"taskrelay/internal/resilience/circuitbreaker"
	"taskrelay/internal/usecase/task"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a transport.
type Options struct {
	Driver string

	// RedisAddr, RedisPassword, RedisDB and KeyPrefix configure the redis driver
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// DatabaseURL configures the postgres driver
	DatabaseURL string

	// Breaker guards the postgres connection; DBConfig is used when zero
	Breaker circuitbreaker.Config

	// PollEvery is the pause between empty polls for polling drivers
	PollEvery time.Duration

	// Migrate creates the postgres queue table on open
	Migrate bool

	Logger *slog.Logger
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open returns the transport for opts.Driver and a closer releasing its connections.
func Open(ctx context.Context, opts Options) (task.Transport, io.Closer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Driver {
	case DriverMemory, "":
		logger.Info("using in-memory queue transport; messages are lost on restart")
		tr := memory.New()
		return tr, tr, nil

	case DriverRedis:
		tr, err := redisq.New(ctx, redisq.Config{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			Prefix:    opts.KeyPrefix,
			PollEvery: opts.PollEvery,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis queue transport", slog.String("addr", opts.RedisAddr))
		return tr, tr, nil

	case DriverPostgres:
		conn, err := db.Open(ctx, db.DriverPostgres, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if opts.Migrate {
			if err := db.MigrateUp(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("migrate queue table: %w", err)
			}
		}
		breakerCfg := opts.Breaker
		if breakerCfg.Name == "" {
			breakerCfg = circuitbreaker.DBConfig()
		}
		guarded, err := circuitbreaker.NewDBCircuitBreakerWithConfig(conn, breakerCfg)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		logger.Info("using postgres queue transport")
		return pgqueue.New(guarded, pgqueue.WithPollEvery(opts.PollEvery)), closerFunc(conn.Close), nil

	default:
		return nil, nil, &task.ConfigurationError{
			Field:  "queue_driver",
			Reason: fmt.Sprintf("unknown driver %q (want memory, redis or postgres)", opts.Driver),
		}
	}
}
