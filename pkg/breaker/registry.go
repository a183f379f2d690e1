package breaker

import (
	"log/slog"
	"sync"
)

// Registry holds one breaker per target agent, created lazily on first use.
// Breaker state is process-local: orchestrator replicas each keep their own
// view, which degrades the optimization but never correctness.
type Registry struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry with a shared breaker config.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[target]; ok {
		return b
	}

	b = New(target, r.config, r.logger)
	r.breakers[target] = b

	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}

	return snapshots
}
