// Package factory resolves storage kinds to adapter constructors. A Factory
// is an explicit handle built at the composition root and threaded to
// whoever constructs engines; there is no process-wide registry.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/workerpool"
)

// Options carries cross-cutting collaborators and tuning into adapter
// constructors. Zero values mean adapter defaults.
type Options struct {
	// MinConns and MaxConns bound the adapter's connection pool.
	MinConns int
	MaxConns int
	// Dimension is the embedding width for vector adapters.
	Dimension int
	// Embedder supplies text vectorization for vector adapters.
	Embedder embedding.Embedder
	// Pool, when set, hosts blocking or CPU-bound adapter work.
	Pool *workerpool.Pool
	// CPUPool, when set, takes the CPU-bound work (embedding) instead of
	// Pool. It is typically process-flavored.
	CPUPool *workerpool.Pool
}

// cpuPool resolves the pool for CPU-bound work.
func (o Options) cpuPool() *workerpool.Pool {
	if o.CPUPool != nil {
		return o.CPUPool
	}
	return o.Pool
}

// Constructor builds an unconnected DAO for one binding of one model.
type Constructor func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error)

// Factory maps kinds to constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[model.Kind]Constructor
}

// New returns an empty factory.
func New() *Factory {
	return &Factory{ctors: make(map[model.Kind]Constructor)}
}

// Register installs the constructor for a kind, replacing any previous one.
func (f *Factory) Register(kind model.Kind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[kind] = c
}

// Kinds returns the registered kinds, sorted.
func (f *Factory) Kinds() []model.Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Kind, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve builds a DAO for one binding. Unregistered kinds fail with a
// configuration error; the DAO is not yet connected.
func (f *Factory) Resolve(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[binding.Binding.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for kind %q (binding %q): %w",
			binding.Binding.Kind, binding.Name, storage.ErrConfiguration)
	}
	dao, err := ctor(desc, binding, opts)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter for binding %q: %w",
			binding.Binding.Kind, binding.Name, err)
	}
	return dao, nil
}

// ResolveAll builds one DAO per declared binding, in declaration order.
func (f *Factory) ResolveAll(desc *model.Descriptor, opts Options) ([]storage.Named, error) {
	out := make([]storage.Named, 0, len(desc.Bindings))
	for _, nb := range desc.Bindings {
		dao, err := f.Resolve(desc, nb, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.Named{Name: nb.Name, DAO: dao})
	}
	return out, nil
}
