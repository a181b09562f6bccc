package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var errBoom = errors.New("boom")

func testConfig(threshold uint32, open time.Duration, trials uint32) Config {
	return Config{
		Name:               "test-circuit",
		FailureThreshold:   threshold,
		OpenDuration:       open,
		HalfOpenTrialLimit: trials,
	}
}

func fail(cb *CircuitBreaker) error {
	return cb.Do(func() error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Do(func() error { return nil })
}

func TestNew(t *testing.T) {
	cb, err := New(testConfig(3, time.Second, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.Name() != "test-circuit" {
		t.Errorf("expected name='test-circuit', got %q", cb.Name())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected initial state=Closed, got %v", cb.State())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenTrialLimit: 1}},
		{"zero threshold", testConfig(0, time.Second, 1)},
		{"zero open duration", testConfig(1, 0, 1)},
		{"zero trial limit", testConfig(1, time.Second, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCircuitBreaker_Execute_Success(t *testing.T) {
	cb := MustNew(testConfig(3, time.Second, 1))

	result, err := cb.Execute(func() (interface{}, error) {
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("expected result='success', got %v", result)
	}
}

func TestCircuitBreaker_Execute_FailurePassesThrough(t *testing.T) {
	cb := MustNew(testConfig(3, time.Second, 1))

	err := fail(cb)

	if err != errBoom {
		t.Errorf("expected error=%v, got %v", errBoom, err)
	}
	if cb.Counts().ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", cb.Counts().ConsecutiveFailures)
	}
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := MustNew(testConfig(3, time.Minute, 1))

	for i := 0; i < 2; i++ {
		_ = fail(cb)
		if cb.State() != gobreaker.StateClosed {
			t.Fatalf("failure %d: expected Closed, got %v", i+1, cb.State())
		}
	}
	_ = fail(cb)
	if !cb.IsOpen() {
		t.Fatalf("expected Open after threshold, got %v", cb.State())
	}

	var calls int
	err := cb.Do(func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("guarded call ran %d times while open", calls)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected wrapped gobreaker.ErrOpenState, got %v", err)
	}
	var openErr *OpenError
	if !errors.As(err, &openErr) || openErr.Name != "test-circuit" {
		t.Errorf("expected *OpenError for test-circuit, got %#v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := MustNew(testConfig(3, time.Minute, 1))

	_ = fail(cb)
	_ = fail(cb)
	_ = succeed(cb)
	_ = fail(cb)
	_ = fail(cb)

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected Closed, got %v", cb.State())
	}
	if got := cb.Counts().ConsecutiveFailures; got != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", got)
	}
}

// threshold=3, open_duration elapses, a single successful probe closes the circuit.
func TestCircuitBreaker_RecoversAfterOpenDuration(t *testing.T) {
	cb := MustNew(testConfig(3, 50*time.Millisecond, 1))

	_ = fail(cb)
	_ = fail(cb)
	_ = fail(cb)
	if !cb.IsOpen() {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	if err := succeed(cb); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen immediately after trip, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	var probed bool
	err := cb.Do(func() error {
		probed = true
		return nil
	})
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !probed {
		t.Error("expected the first call after open duration to run as a probe")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.State())
	}
	if got := cb.Counts().ConsecutiveFailures; got != 0 {
		t.Errorf("expected failure counter reset, got %d", got)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := MustNew(testConfig(1, 50*time.Millisecond, 2))

	_ = fail(cb)
	time.Sleep(60 * time.Millisecond)

	if err := fail(cb); err != errBoom {
		t.Fatalf("expected probe to run and fail with errBoom, got %v", err)
	}
	if !cb.IsOpen() {
		t.Fatalf("expected Open after failed probe, got %v", cb.State())
	}

	// open timer restarted by the failed probe
	time.Sleep(20 * time.Millisecond)
	if err := succeed(cb); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen before the new open duration elapsed, got %v", err)
	}
}

func TestCircuitBreaker_ClosesAfterTrialLimit(t *testing.T) {
	cb := MustNew(testConfig(1, 50*time.Millisecond, 3))

	_ = fail(cb)
	time.Sleep(60 * time.Millisecond)

	for i := 1; i <= 2; i++ {
		if err := succeed(cb); err != nil {
			t.Fatalf("probe %d: unexpected error %v", i, err)
		}
		if cb.State() != gobreaker.StateHalfOpen {
			t.Fatalf("probe %d: expected HalfOpen, got %v", i, cb.State())
		}
	}
	if err := succeed(cb); err != nil {
		t.Fatalf("probe 3: unexpected error %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected Closed after 3 successful probes, got %v", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentCallDuringProbeFailsFast(t *testing.T) {
	cb := MustNew(testConfig(1, 20*time.Millisecond, 2))

	_ = fail(cb)
	time.Sleep(30 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var calls atomic.Int32
	err := cb.Do(func() error {
		calls.Add(1)
		return nil
	})
	close(release)
	wg.Wait()

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen during in-flight probe, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("concurrent call must not spawn a second probe")
	}
}

func TestCircuitBreaker_OnTransition(t *testing.T) {
	var mu sync.Mutex
	var got []Transition

	cfg := testConfig(2, 30*time.Millisecond, 1)
	cfg.OnTransition = func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tr)
	}
	cb := MustNew(cfg)

	_ = fail(cb)
	_ = fail(cb)
	time.Sleep(40 * time.Millisecond)
	_ = succeed(cb)

	mu.Lock()
	defer mu.Unlock()

	want := [][2]gobreaker.State{
		{gobreaker.StateClosed, gobreaker.StateOpen},
		{gobreaker.StateOpen, gobreaker.StateHalfOpen},
		{gobreaker.StateHalfOpen, gobreaker.StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].From != w[0] || got[i].To != w[1] {
			t.Errorf("transition %d: expected %v->%v, got %v->%v", i, w[0], w[1], got[i].From, got[i].To)
		}
		if got[i].Name != "test-circuit" {
			t.Errorf("transition %d: unexpected name %q", i, got[i].Name)
		}
		if got[i].At.IsZero() {
			t.Errorf("transition %d: missing timestamp", i)
		}
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	errIgnored := errors.New("not found")
	cfg := testConfig(1, time.Minute, 1)
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errIgnored) }
	cb := MustNew(cfg)

	err := cb.Do(func() error { return errIgnored })

	if err != errIgnored {
		t.Errorf("expected error to pass through, got %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("ignored error must not trip the circuit, got %v", cb.State())
	}
}

func TestGroup_Get(t *testing.T) {
	g, err := NewGroup(testConfig(1, time.Minute, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := g.Get("https://a.example")
	if g.Get("https://a.example") != a {
		t.Error("expected the same breaker for the same key")
	}
	b := g.Get("https://b.example")
	if a == b {
		t.Error("expected distinct breakers per key")
	}
	if a.Name() != "test-circuit:https://a.example" {
		t.Errorf("unexpected name %q", a.Name())
	}

	_ = fail(a)
	if !a.IsOpen() || b.IsOpen() {
		t.Error("tripping one member must not affect another")
	}

	keys := g.Keys()
	if len(keys) != 2 || keys[0] != "https://a.example" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestNewGroup_InvalidTemplate(t *testing.T) {
	if _, err := NewGroup(testConfig(0, time.Minute, 1)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
