package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry is a named-instance cache of circuit breakers. The same logical
// endpoint name always resolves to the same breaker, so every call site
// protecting one endpoint shares its failure history. A Registry is built
// once at startup and injected into collaborators; there is no package-level
// default.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Get returns the breaker registered under name, creating it with cfg on
// first use. Creation is atomic: concurrent first-use by multiple goroutines
// yields a single shared instance. cfg is ignored when the breaker already
// exists (first registration wins).
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker registered under name, if any.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Status returns a snapshot of every registered breaker, keyed by name.
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Status()
	}
	return out
}

// Reset forces the named breaker back to closed. Returns false when no
// breaker is registered under name.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	r.logger.Info("circuit breaker reset", "breaker", name)
	return true
}

// Names returns the registered breaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
