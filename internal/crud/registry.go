package crud

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polystore/polystore/internal/storage"
)

// Registry holds one engine per model name. The RPC layer resolves the
// model argument of every request through it.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Add registers an engine under its model name.
func (r *Registry) Add(e *Engine) error {
	if e == nil {
		return fmt.Errorf("nil engine: %w", storage.ErrConfiguration)
	}
	name := e.Descriptor().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[name]; ok {
		return fmt.Errorf("model %q already registered: %w", name, storage.ErrConfiguration)
	}
	r.engines[name] = e
	return nil
}

// Get returns the engine for a model name.
func (r *Registry) Get(name string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("model %q not registered: %w", name, storage.ErrConfiguration)
	}
	return e, nil
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
