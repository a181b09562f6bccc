package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskrelay/internal/domain/entity"
)

// Policy controls how a single task is executed and retried.
type Policy struct {
	// MaxAttempts overrides the pool's attempt limit when positive
	MaxAttempts int

	// Timeout bounds one handler execution; zero means no limit
	Timeout time.Duration

	// Backoff overrides the pool's backoff when Wait is positive
	Backoff Backoff

	// OnFail names a task issued with the same attributes after this one is
	// dead-lettered for exhausting its attempts
	OnFail string
}

type registration struct {
	handler Handler
	policy  Policy
}

// Registry maps task names to handlers. It is written during setup and
// becomes read-only once sealed by a starting pool.
type Registry struct {
	mu      sync.RWMutex
	sealed  atomic.Bool
	entries map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds handler under name.
func (r *Registry) Register(name string, handler Handler, policy Policy) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidTask, name)
	}
	if err := entity.ValidateTaskName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if policy.MaxAttempts < 0 || policy.Timeout < 0 {
		return fmt.Errorf("%w: negative policy value for %q", ErrInvalidTask, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTaskName, name)
	}
	r.entries[name] = registration{handler: handler, policy: policy}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, handler Handler, policy Policy) {
	if err := r.Register(name, handler, policy); err != nil {
		panic(err)
	}
}

// Resolve returns the handler and policy registered under name.
func (r *Registry) Resolve(name string) (Handler, Policy, error) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	reg, ok := r.entries[name]
	if !ok {
		return nil, Policy{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return reg.handler, reg.policy, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, _, err := r.Resolve(name)
	return err == nil
}

// Seal rejects further registrations. Resolve takes no lock afterwards.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate checks every policy against the pool defaults.
func (r *Registry) validate() error {
	var errs []error
	for _, name := range r.Names() {
		_, policy, _ := r.Resolve(name)
		field := "policy[" + name + "]"
		if err := policy.Backoff.validate(field + ".backoff"); err != nil {
			errs = append(errs, err)
		}
		if policy.OnFail != "" && !r.Has(policy.OnFail) {
			errs = append(errs, &ConfigurationError{
				Field:  field + ".on_fail",
				Reason: fmt.Sprintf("references unregistered task %q", policy.OnFail),
			})
		}
	}
	return errors.Join(errs...)
}
