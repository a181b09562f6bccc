// Package retry provides retry logic with exponential backoff and jitter.
// It is used where a bounded number of local retries is safe: dead-letter
// writes and waiting for dependencies at startup. Task redelivery is never
// retried here; the queue owns that.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the total number of calls, including the first
	MaxAttempts int

	// InitialDelay is the wait after the first failure
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts
	MaxDelay time.Duration

	// Multiplier grows the delay after each failure
	Multiplier float64

	// JitterFraction adds up to this fraction of the delay at random (0.0 to 1.0)
	JitterFraction float64
}

// DeadLetterConfig returns configuration for writes to a dead-letter destination.
// A message is only removed from the live queue after such a write succeeds,
// so attempts stay short and the message falls back to redelivery.
func DeadLetterConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// StartupConfig returns configuration for waiting on queue backends and
// databases while the worker starts.
func StartupConfig() Config {
	return Config{
		MaxAttempts:    10,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// nextDelay grows d by the multiplier, caps it and adds jitter.
func (c Config) nextDelay(d time.Duration) time.Duration {
	if c.Multiplier > 1 {
		d = time.Duration(float64(d) * c.Multiplier)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return addJitter(d, c.JitterFraction)
}

// WithBackoff calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts calls have failed. Non-retryable errors are returned unwrapped.
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", slog.Int("attempt", attempt))
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= attempts {
			break
		}

		slog.Warn("operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		delay = cfg.nextDelay(delay)
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", attempts, lastErr)
}

// IsRetryable reports whether err is a transient failure worth another call.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// Errors that classify themselves, e.g. queue transport failures
	var tempErr interface{ Temporary() bool }
	if errors.As(err, &tempErr) && tempErr.Temporary() {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return false
}

// HTTPError is an unexpected HTTP status from a remote dependency.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is 5xx, 429 or 408.
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode >= 500 && e.StatusCode < 600:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// addJitter adds up to fraction*d of random jitter to d.
func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	fraction = min(fraction, 1.0)
	// #nosec G404 -- jitter does not need cryptographic randomness
	return d + time.Duration(rand.Float64()*float64(d)*fraction)
}
