package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"taskrelay/internal/domain/entity"
	"taskrelay/internal/observability/logging"
	"taskrelay/internal/resilience/retry"
	"taskrelay/internal/usecase/task"
)

// Built-in task names.
const (
	TaskHTTPPing = "http.ping"
	TaskLogEcho  = "log.echo"
)

// registerHandlers installs the built-in handlers. http.ping goes through
// client so each upstream host has its own breaker.
func registerHandlers(reg *task.Registry, client *http.Client) error {
	if err := reg.Register(TaskHTTPPing, httpPingHandler(client), task.Policy{
		Timeout: 30 * time.Second,
		Backoff: task.Backoff{Wait: 5 * time.Second, Progression: task.ProgressionGeometric},
	}); err != nil {
		return err
	}
	return reg.Register(TaskLogEcho, logEchoHandler(), task.Policy{MaxAttempts: 1})
}

// httpPingHandler requests the "url" attribute and fails on transport errors
// and on a status other than "expect_status" (default: any 2xx).
func httpPingHandler(client *http.Client) task.Handler {
	return task.HandlerFunc(func(ctx context.Context, t entity.Task) task.Outcome {
		url, _ := entity.Attribute[string](t, "url")
		if err := entity.ValidateURL(url); err != nil {
			return task.Failure(fmt.Errorf("%s: attribute url: %w", TaskHTTPPing, err))
		}
		method, ok := entity.Attribute[string](t, "method")
		if !ok || method == "" {
			method = http.MethodGet
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return task.Failure(fmt.Errorf("%s: build request: %w", TaskHTTPPing, err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return task.Failure(fmt.Errorf("%s: %w", TaskHTTPPing, err))
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		// JSON numbers decode as float64
		if want, ok := entity.Attribute[float64](t, "expect_status"); ok {
			if resp.StatusCode != int(want) {
				return task.Failure(fmt.Errorf("%s: %w", TaskHTTPPing, &retry.HTTPError{
					StatusCode: resp.StatusCode,
					Message:    fmt.Sprintf("want %d", int(want)),
				}))
			}
			return task.Success()
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return task.Failure(fmt.Errorf("%s: %w", TaskHTTPPing, &retry.HTTPError{
				StatusCode: resp.StatusCode,
				Message:    http.StatusText(resp.StatusCode),
			}))
		}
		return task.Success()
	})
}

// logEchoHandler logs the task's attributes as fields on the context logger,
// which the pool has already scoped to the task's job.
func logEchoHandler() task.Handler {
	return task.HandlerFunc(func(ctx context.Context, t entity.Task) task.Outcome {
		logger := logging.WithFields(logging.FromContext(ctx), t.Attributes)
		logger.Info("echo",
			slog.String("task_id", t.ID),
			slog.Int("attempt", t.Attempt))
		return task.Success()
	})
}
