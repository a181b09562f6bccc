package circuitbreaker

import (
	"sort"
	"sync"
)

// Group lazily creates one breaker per dependency key, all sharing a template config.
type Group struct {
	template Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup validates the template and returns an empty group.
// The template's Name is used as a prefix for member names.
func NewGroup(template Config) (*Group, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}
	return &Group{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cfg := g.template
	cfg.Name = g.template.Name + ":" + key
	// template already validated; only Name differs
	cb := MustNew(cfg)
	g.breakers[key] = cb
	return cb
}

// Keys returns the keys of all breakers created so far, sorted.
func (g *Group) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.breakers))
	for k := range g.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
