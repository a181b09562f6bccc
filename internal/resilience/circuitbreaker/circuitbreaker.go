// Package circuitbreaker guards calls to remote dependencies.
// It uses the github.com/sony/gobreaker library for the closed/open/half-open
// state machine and adds sequential half-open probing and typed open errors.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is matched by every error returned when a call was
// short-circuited. Callers should treat it as "service unavailable now".
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds the configuration for a circuit breaker.
type Config struct {
	// Name identifies the protected dependency in transitions and metrics
	Name string

	// FailureThreshold is the number of consecutive failures that trips the circuit
	FailureThreshold uint32

	// OpenDuration is how long the circuit stays open before probing
	OpenDuration time.Duration

	// HalfOpenTrialLimit is the number of consecutive successful probes
	// required to close the circuit again
	HalfOpenTrialLimit uint32

	// IsFailure reports whether a non-nil error counts against the dependency.
	// Nil means every error is a failure.
	IsFailure func(err error) bool

	// OnTransition is invoked synchronously on every state change.
	// It runs while the breaker holds its lock and must not call back into it.
	OnTransition func(Transition)
}

// DefaultConfig returns a default configuration for circuit breakers.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FailureThreshold:   10,
		OpenDuration:       10 * time.Second,
		HalfOpenTrialLimit: 10,
	}
}

// Validate checks that thresholds and durations are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.FailureThreshold == 0 {
		errs = append(errs, errors.New("failure threshold must be at least 1"))
	}
	if c.OpenDuration <= 0 {
		errs = append(errs, fmt.Errorf("open duration must be positive, got %v", c.OpenDuration))
	}
	if c.HalfOpenTrialLimit == 0 {
		errs = append(errs, errors.New("half-open trial limit must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidConfig, c.Name, errors.Join(errs...))
	}
	return nil
}

// Transition describes a single state change of a breaker.
type Transition struct {
	Name string
	From gobreaker.State
	To   gobreaker.State
	At   time.Time
}

// OpenError is returned when a call is rejected without being executed.
type OpenError struct {
	Name  string
	State gobreaker.State
	cause error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q rejected call in %s state: %v", e.Name, e.State, e.cause)
}

// Unwrap exposes both ErrCircuitOpen and the underlying gobreaker error.
func (e *OpenError) Unwrap() []error {
	return []error{ErrCircuitOpen, e.cause}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with sequential half-open probes.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string

	// probe admits one call at a time while the circuit is not closed
	probe sync.Mutex
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenTrialLimit,
		Interval:    0,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}
	if cfg.OnTransition != nil {
		notify := cfg.OnTransition
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			notify(Transition{Name: name, From: from, To: to, At: time.Now()})
		}
	}

	return &CircuitBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    cfg.Name,
	}, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(cfg Config) *CircuitBreaker {
	cb, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return cb
}

// Execute runs fn through the circuit breaker.
// While open, fn is not invoked and an *OpenError is returned. Once the open
// duration has elapsed the next call runs as a half-open probe; probes run one
// at a time and concurrent callers are rejected.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if cb.breaker.State() != gobreaker.StateClosed {
		if !cb.probe.TryLock() {
			return nil, &OpenError{Name: cb.name, State: cb.breaker.State(), cause: gobreaker.ErrTooManyRequests}
		}
		defer cb.probe.Unlock()
	}

	result, err := cb.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &OpenError{Name: cb.name, State: cb.breaker.State(), cause: err}
	}
	return result, err
}

// Do runs fn through the circuit breaker when no result value is needed.
func (cb *CircuitBreaker) Do(fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the request counters of the current generation.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen returns true if the circuit breaker is in the open state.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}
