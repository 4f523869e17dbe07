package breaker

import "sync"

// Registry is the process-wide circuit breaker registry. This and
// the service-mode flag are the two deliberate exceptions to this module's
// no-globals rule: every caller reaching for "the breaker for dependency X"
// must observe the same state, so a package-level instance is appropriate
// rather than threading a *Registry through every constructor.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func(name string) Config
}

// NewRegistry builds a registry. factory supplies the Config used the first
// time a given name is requested; pass nil to use DefaultConfig.
func NewRegistry(factory func(name string) Config) *Registry {
	if factory == nil {
		factory = DefaultConfig
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		factory:  factory,
	}
}

// GetOrCreate returns the named breaker, constructing it on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(r.factory(name))
	r.breakers[name] = b
	return b
}

// Snapshots returns a point-in-time view of every breaker created so far,
// for a health/admin endpoint.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Unhealthy returns snapshots of every breaker that is not closed, for
// operator tooling that wants the trouble spots without the full list.
func (r *Registry) Unhealthy() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Snapshot
	for _, b := range r.breakers {
		if s := b.Snapshot(); s.State != StateClosed.String() {
			out = append(out, s)
		}
	}
	return out
}

// Global is the process-wide breaker registry used when a component isn't
// explicitly constructed with its own Registry.
var Global = NewRegistry(nil)
