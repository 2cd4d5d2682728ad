package engine

import (
	"sync"

	vhfs "github.com/vaulthalla/vaulthalla/internal/fs"
)

// Registry is the process-wide engine lookup. It implements the
// orchestrator's EngineResolver.
type Registry struct {
	mu      sync.RWMutex
	engines map[uint]*Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[uint]*Engine)}
}

// EngineFor satisfies fs.EngineResolver.
func (r *Registry) EngineFor(vaultID uint) (vhfs.Engine, bool) {
	e, ok := r.Get(vaultID)
	if !ok {
		return nil, false
	}
	return e, true
}

// Get returns the engine bound to a vault.
func (r *Registry) Get(vaultID uint) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[vaultID]
	return e, ok
}

// Put registers an engine.
func (r *Registry) Put(e *Engine) {
	r.mu.Lock()
	r.engines[e.vault.ID] = e
	r.mu.Unlock()
}

// Delete removes a vault's engine.
func (r *Registry) Delete(vaultID uint) {
	r.mu.Lock()
	delete(r.engines, vaultID)
	r.mu.Unlock()
}

// List snapshots the registered engines.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}
