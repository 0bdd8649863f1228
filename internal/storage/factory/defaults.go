package factory

import (
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/cache"
	"github.com/polystore/polystore/internal/storage/document"
	"github.com/polystore/polystore/internal/storage/graph"
	"github.com/polystore/polystore/internal/storage/relational"
	"github.com/polystore/polystore/internal/storage/vector"
)

// Defaults returns a factory with every built-in adapter registered:
// relational (PostgreSQL), document (SQLite), vector (pgvector), graph
// (Dgraph), and cache (Redis). TIMESERIES and FILE have no adapter yet,
// so bindings of those kinds fail Resolve with ErrConfiguration.
func Defaults() *Factory {
	f := New()

	f.Register(model.KindRelational, func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
		return relational.New(desc, binding, relational.Options{
			MinConns: opts.MinConns,
			MaxConns: opts.MaxConns,
		})
	})

	f.Register(model.KindDocument, func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
		return document.New(desc, binding, document.Options{
			MaxConns: opts.MaxConns,
		})
	})

	f.Register(model.KindVector, func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
		return vector.New(desc, binding, vector.Options{
			Dimension: opts.Dimension,
			Embedder:  opts.Embedder,
			MinConns:  opts.MinConns,
			MaxConns:  opts.MaxConns,
			Workers:   opts.cpuPool(),
		})
	})

	f.Register(model.KindGraph, func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
		return graph.New(desc, binding, graph.Options{
			Workers: opts.Pool,
		})
	})

	f.Register(model.KindCache, func(desc *model.Descriptor, binding model.NamedBinding, opts Options) (storage.DAO, error) {
		// The binding's ttl option wins inside the adapter; PoolSize
		// reuses the factory-wide connection ceiling.
		return cache.New(desc, binding, cache.Options{
			PoolSize: opts.MaxConns,
		})
	})

	return f
}
