package model

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps model names to descriptors. It is an explicit handle passed
// from the composition root, not a package-level singleton, so tests and
// embedders can hold independent registries.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Descriptor)}
}

// Register validates and adds a descriptor. Re-registering a name replaces
// the previous descriptor.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[d.Name] = d
	return nil
}

// Lookup returns the descriptor for a model name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	return d, nil
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
