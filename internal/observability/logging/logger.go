// Package logging provides structured logging utilities using the standard library's log/slog package.
// It offers helper functions for creating loggers with consistent configuration and context propagation.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a new structured logger with JSON output.
// The log level can be controlled via the LOG_LEVEL environment variable.
// Supported levels: debug, info, warn, error
// Default level: info
func NewLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
		// Add source code location for error and warn levels
		AddSource: logLevel <= slog.LevelWarn,
	})

	return slog.New(handler)
}

// NewTextLogger creates a logger with human-readable text output on w.
// CLIs use it on stderr so stdout stays free for results.
func NewTextLogger(w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// ContextWithJob stores the job a task belongs to in the context.
// Empty values leave the context unchanged.
func ContextWithJob(ctx context.Context, jobID, jobName string) context.Context {
	if jobID == "" && jobName == "" {
		return ctx
	}
	return context.WithValue(ctx, jobContextKey, jobInfo{id: jobID, name: jobName})
}

// JobFromContext returns the job stored by ContextWithJob.
func JobFromContext(ctx context.Context) (jobID, jobName string) {
	if info, ok := ctx.Value(jobContextKey).(jobInfo); ok {
		return info.id, info.name
	}
	return "", ""
}

// WithJob returns a new logger that includes the job id and name from the context.
// This lets every log entry of a task be correlated with its job.
func WithJob(ctx context.Context, logger *slog.Logger) *slog.Logger {
	jobID, jobName := JobFromContext(ctx)
	if jobID == "" && jobName == "" {
		return logger
	}
	return logger.With(slog.String("job_id", jobID), slog.String("job_name", jobName))
}

// WithFields returns a new logger with additional structured fields.
// Fields are provided as key-value pairs.
func WithFields(logger *slog.Logger, fields map[string]interface{}) *slog.Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return logger.With(args...)
}

// FromContext retrieves the logger from the context, or returns the default logger if not found.
// This enables passing loggers through the application via context.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

type contextKey string

const (
	loggerContextKey contextKey = "logger"
	jobContextKey    contextKey = "job"
)

type jobInfo struct {
	id   string
	name string
}
