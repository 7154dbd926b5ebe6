package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one breaker per name, creating it on first use.
type Registry struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeFunc
}

func NewRegistry(cfg Config, now func() time.Time) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a listener for transitions of every breaker in the registry.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.now, r.dispatch)
	r.breakers[name] = b
	return b
}

func (r *Registry) dispatch(name string, from, to State) {
	r.mu.RLock()
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(all))
	for _, b := range all {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
