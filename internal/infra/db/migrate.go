package db

import (
	"context"
	"database/sql"
)

// MigrateUp creates the Postgres queue table used by the pgqueue transport.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS task_queue_messages (
    id            UUID PRIMARY KEY,
    queue         TEXT NOT NULL,
    body          BYTEA NOT NULL,
    receive_count INTEGER NOT NULL DEFAULT 0,
    handle        UUID,
    visible_at    TIMESTAMPTZ NOT NULL,
    sent_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return err
	}

	indexes := []string{
		// receive scans due messages of one queue in send order
		`CREATE INDEX IF NOT EXISTS idx_task_queue_messages_due ON task_queue_messages(queue, visible_at, sent_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_queue_messages_handle ON task_queue_messages(handle)`,
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown drops the queue table and every message in it.
func MigrateDown(ctx context.Context, db *sql.DB) error {
	dropStatements := []string{
		`DROP INDEX IF EXISTS idx_task_queue_messages_handle`,
		`DROP INDEX IF EXISTS idx_task_queue_messages_due`,
		`DROP TABLE IF EXISTS task_queue_messages`,
	}
	for _, stmt := range dropStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// MigrateJobsUp creates the MySQL table used by the job tracker.
func MigrateJobsUp(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
    id          BIGINT AUTO_INCREMENT PRIMARY KEY,
    status      VARCHAR(64) NOT NULL,
    data        JSON,
    application VARCHAR(128) NOT NULL,
    meta        VARCHAR(255) NOT NULL DEFAULT '',
    finished    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  DATETIME(6) NOT NULL,
    updated_at  DATETIME(6) NOT NULL,
    INDEX idx_jobs_application (application, finished)
)`)
	return err
}
