package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one shared Breaker per resource name.
type Registry struct {
	mu       sync.Mutex
	defaults []Option
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. defaults apply to every breaker it creates.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
// opts only apply at creation; later calls return the existing instance.
func (r *Registry) Get(name string, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	b := New(name, all...)
	r.breakers[name] = b
	return b
}

// All returns every breaker sorted by name.
func (r *Registry) All() []*Breaker {
	r.mu.Lock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Stats snapshots every breaker.
func (r *Registry) Stats() []Stats {
	all := r.All()
	out := make([]Stats, 0, len(all))
	for _, b := range all {
		out = append(out, b.Stats())
	}
	return out
}

func (r *Registry) ResetAll() {
	for _, b := range r.All() {
		b.Reset()
	}
}
