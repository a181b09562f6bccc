package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type temporaryError struct {
	temporary bool
}

func (e temporaryError) Error() string   { return "queue unavailable" }
func (e temporaryError) Temporary() bool { return e.temporary }

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:    attempts,
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func TestWithBackoff(t *testing.T) {
	unavailable := temporaryError{temporary: true}
	badRequest := &HTTPError{StatusCode: 400, Message: "Bad Request"}

	tests := []struct {
		name         string
		failures     int
		err          error
		wantAttempts int
		wantErr      bool
	}{
		{name: "first call succeeds", failures: 0, wantAttempts: 1},
		{name: "succeeds after transient failures", failures: 2, err: unavailable, wantAttempts: 3},
		{name: "attempts exhausted", failures: 10, err: unavailable, wantAttempts: 3, wantErr: true},
		{name: "non-retryable stops at once", failures: 10, err: badRequest, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := WithBackoff(context.Background(), fastConfig(3), func() error {
				attempts++
				if attempts <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestWithBackoff_NonRetryableReturnedUnwrapped(t *testing.T) {
	want := &HTTPError{StatusCode: 404, Message: "Not Found"}
	err := WithBackoff(context.Background(), fastConfig(3), func() error { return want })
	assert.Same(t, want, err)
}

func TestWithBackoff_ZeroAttemptsCallsOnce(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), Config{}, func() error {
		attempts++
		return temporaryError{temporary: true}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithBackoff_ContextCanceled(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := WithBackoff(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return &HTTPError{StatusCode: 503, Message: "Service Unavailable"}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, attempts)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("send: %w", context.DeadlineExceeded), false},
		{"HTTP 500", &HTTPError{StatusCode: 500}, true},
		{"HTTP 503", &HTTPError{StatusCode: 503}, true},
		{"HTTP 429", &HTTPError{StatusCode: 429}, true},
		{"HTTP 408", &HTTPError{StatusCode: 408}, true},
		{"HTTP 400", &HTTPError{StatusCode: 400}, false},
		{"HTTP 404 wrapped", fmt.Errorf("ping: %w", &HTTPError{StatusCode: 404}), false},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, true},
		{"ETIMEDOUT", syscall.ETIMEDOUT, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"temporary", fmt.Errorf("receive: %w", temporaryError{temporary: true}), true},
		{"permanent", temporaryError{temporary: false}, false},
		{"generic", errors.New("some error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestConfigs(t *testing.T) {
	dl := DeadLetterConfig()
	assert.Equal(t, 3, dl.MaxAttempts)
	assert.LessOrEqual(t, dl.MaxDelay, 5*time.Second)

	startup := StartupConfig()
	assert.Equal(t, 10, startup.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, startup.InitialDelay)
}

func TestNextDelay(t *testing.T) {
	cfg := Config{Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 200*time.Millisecond, cfg.nextDelay(100*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, cfg.nextDelay(200*time.Millisecond))
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{StatusCode: 502, Message: "Bad Gateway"}
	assert.Equal(t, "HTTP 502: Bad Gateway", err.Error())
	assert.True(t, err.Retryable())
}

func TestAddJitter(t *testing.T) {
	d := 100 * time.Millisecond
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		got := addJitter(d, 0.2)
		assert.GreaterOrEqual(t, got, d)
		assert.LessOrEqual(t, got, 120*time.Millisecond)
		seen[got] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary")

	assert.Equal(t, d, addJitter(d, 0))
}
