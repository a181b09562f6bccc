package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"taskrelay/internal/pkg/config"
)

// Driver names registered by this package.
const (
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

const pingTimeout = 5 * time.Second

// PoolSettings sizes the database/sql connection pool.
type PoolSettings struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolSettings returns settings for a worker with a handful of slots
// plus heartbeats; each in-flight message may hold a connection briefly.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

var (
	validConns    = config.IntBetween(1, 1000)
	validLifetime = config.DurationBetween(time.Second, 24*time.Hour)
)

// PoolSettingsFromEnv reads DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS,
// DB_CONN_MAX_LIFETIME and DB_CONN_MAX_IDLE_TIME. Invalid values keep the
// default and are returned as warnings.
func PoolSettingsFromEnv() (PoolSettings, []string) {
	def := DefaultPoolSettings()
	var warnings []string
	note := func(warning string, fallback bool) {
		if fallback {
			warnings = append(warnings, warning)
		}
	}

	maxOpen := config.LoadEnvInt("DB_MAX_OPEN_CONNS", def.MaxOpenConns, validConns)
	note(maxOpen.Warning, maxOpen.FallbackApplied)
	maxIdle := config.LoadEnvInt("DB_MAX_IDLE_CONNS", def.MaxIdleConns, validConns)
	note(maxIdle.Warning, maxIdle.FallbackApplied)
	lifetime := config.LoadEnvDuration("DB_CONN_MAX_LIFETIME", def.ConnMaxLifetime, validLifetime)
	note(lifetime.Warning, lifetime.FallbackApplied)
	idle := config.LoadEnvDuration("DB_CONN_MAX_IDLE_TIME", def.ConnMaxIdleTime, validLifetime)
	note(idle.Warning, idle.FallbackApplied)

	return PoolSettings{
		MaxOpenConns:    maxOpen.Value,
		MaxIdleConns:    maxIdle.Value,
		ConnMaxLifetime: lifetime.Value,
		ConnMaxIdleTime: idle.Value,
	}, warnings
}

// Apply sets s on db.
func (s PoolSettings) Apply(db *sql.DB) {
	db.SetMaxOpenConns(s.MaxOpenConns)
	db.SetMaxIdleConns(s.MaxIdleConns)
	db.SetConnMaxLifetime(s.ConnMaxLifetime)
	db.SetConnMaxIdleTime(s.ConnMaxIdleTime)
}

// Open creates a connection pool for driver and dsn, sizes it from the
// environment and pings it within five seconds.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	if driver != DriverPostgres && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	settings, warnings := PoolSettingsFromEnv()
	for _, w := range warnings {
		slog.Warn("Configuration fallback applied", slog.String("warning", w))
	}
	settings.Apply(db)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	slog.Info("database connected",
		slog.String("driver", driver),
		slog.Int("max_open_conns", settings.MaxOpenConns),
		slog.Int("max_idle_conns", settings.MaxIdleConns))
	return db, nil
}
