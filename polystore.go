// Package polystore provides a minimal public API for embedding the data
// layer in other Go programs.
//
// Most callers should talk to a running poly daemon over its RPC socket.
// This package exports only the essential types and an Open helper for
// programs that want to drive the storage engines in-process, without a
// daemon: load a config, connect every declared backend, and operate on
// models through their engines.
package polystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/crud"
	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/eventbus"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/factory"
	"github.com/polystore/polystore/internal/telemetry"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/workerpool"
)

// Core types for working with entities.
type (
	Entity           = types.Entity
	SecurityBlock    = types.Security
	StorageOperation = types.StorageOperation
	SecurityContext  = security.Context
	Descriptor       = model.Descriptor
	Kind             = model.Kind
	Engine           = crud.Engine
	Strategy         = crud.Strategy
)

// Query nodes, for building find filters programmatically.
type (
	Query = query.Query
	Eq    = query.Eq
	Cmp   = query.Cmp
	In    = query.In
	Regex = query.Regex
	And   = query.And
	Or    = query.Or
)

// Mutation events, for observing committed writes.
type (
	Event       = eventbus.Event
	EventType   = eventbus.EventType
	Handler     = eventbus.Handler
	HandlerFunc = eventbus.HandlerFunc
)

// Storage kind constants.
const (
	KindRelational = model.KindRelational
	KindDocument   = model.KindDocument
	KindTimeseries = model.KindTimeseries
	KindVector     = model.KindVector
	KindGraph      = model.KindGraph
	KindCache      = model.KindCache
	KindFile       = model.KindFile
)

// Sync strategy constants.
const (
	Sequential   = crud.Sequential
	Parallel     = crud.Parallel
	PrimaryFirst = crud.PrimaryFirst
	Eventual     = crud.Eventual
)

// Error taxonomy, matched with errors.Is.
var (
	ErrNotFound      = storage.ErrNotFound
	ErrDuplicate     = storage.ErrDuplicate
	ErrValidation    = storage.ErrValidation
	ErrPermission    = storage.ErrPermission
	ErrConfiguration = storage.ErrConfiguration
)

// NewEntity returns an entity over a copy of fields, ready for Create.
func NewEntity(fields map[string]any) *Entity { return types.New(fields) }

// Store is an open set of model engines backed by connected adapters.
type Store struct {
	cfg     *config.Config
	models  *model.Registry
	engines *crud.Registry
	bus     *eventbus.Bus
	pool    *workerpool.Pool

	// procPool, when non-nil, is a process-flavored pool that takes the
	// embedding work off the daemon's goroutines.
	procPool *workerpool.Pool
}

// Open loads the config at path, resolves its models, connects every
// declared backend, and returns a store of ready engines. An empty path
// falls back on the usual config discovery (POLYSTORE_CONFIG, the working
// directory, then the polystore home directory). The caller owns the
// store and must Close it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		found, err := config.Find()
		if err != nil {
			return nil, err
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return OpenConfig(ctx, cfg)
}

// OpenConfig is Open for an already-loaded config.
func OpenConfig(ctx context.Context, cfg *config.Config) (*Store, error) {
	models, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	pool, err := workerpool.New(workerpool.Config{
		MinWorkers: cfg.Performance.MinWorkers,
		MaxWorkers: cfg.Performance.Workers,
		WorkerTTL:  cfg.Performance.WorkerTTL,
	})
	if err != nil {
		return nil, err
	}

	// CPU-heavy adapter work (embedding) moves to child processes when a
	// process pool is configured; the goroutine pool keeps the I/O work.
	var procPool *workerpool.Pool
	if n := cfg.Performance.ProcessWorkers; n > 0 {
		procPool, err = workerpool.New(workerpool.Config{
			Flavor:     workerpool.FlavorProcess,
			MaxWorkers: n,
			WorkerTTL:  cfg.Performance.WorkerTTL,
		})
		if err != nil {
			pool.Shutdown(context.Background())
			return nil, err
		}
	}

	s := &Store{
		cfg:      cfg,
		models:   models,
		engines:  crud.NewRegistry(),
		bus:      eventbus.New(),
		pool:     pool,
		procPool: procPool,
	}

	f := factory.Defaults()
	embedder := embedding.NewHashEmbedder(cfg.Performance.EmbeddingDimension)
	for _, name := range models.Names() {
		desc, _ := models.Lookup(name)
		daos := make([]storage.Named, 0, len(desc.Bindings))
		for _, nb := range desc.Bindings {
			limits := cfg.Pool(nb.Binding.Kind)
			dao, err := f.Resolve(desc, nb, factory.Options{
				MinConns:  limits.MinConns,
				MaxConns:  limits.MaxConns,
				Dimension: cfg.Performance.EmbeddingDimension,
				Embedder:  embedder,
				Pool:      pool,
				CPUPool:   procPool,
			})
			if err != nil {
				s.shutdownPool()
				return nil, err
			}
			daos = append(daos, storage.Named{Name: nb.Name, DAO: telemetry.WrapDAO(dao)})
		}
		engine, err := crud.New(desc, daos, crud.Options{
			Bus:              s.bus,
			Workers:          pool,
			ReplicateTimeout: cfg.Performance.ReplicateTimeout,
		})
		if err != nil {
			s.shutdownPool()
			return nil, err
		}
		if err := s.engines.Add(engine); err != nil {
			s.shutdownPool()
			return nil, err
		}
	}

	var connected []*crud.Engine
	for _, name := range s.engines.Models() {
		engine, _ := s.engines.Get(name)
		if err := engine.Connect(ctx); err != nil {
			for _, c := range connected {
				c.Close(context.Background())
			}
			s.shutdownPool()
			return nil, fmt.Errorf("open store: %w", err)
		}
		connected = append(connected, engine)
	}
	return s, nil
}

// Engine returns the connected engine for a model name.
func (s *Store) Engine(name string) (*Engine, error) { return s.engines.Get(name) }

// Engines returns the full engine registry, for serving the store over RPC.
func (s *Store) Engines() *crud.Registry { return s.engines }

// Models returns the registered model names, sorted.
func (s *Store) Models() []string { return s.engines.Models() }

// Descriptor returns the resolved descriptor for a model name.
func (s *Store) Descriptor(name string) (*Descriptor, error) { return s.models.Lookup(name) }

// Subscribe registers a handler for committed mutation events.
func (s *Store) Subscribe(h Handler) { s.bus.Register(h) }

// Close drains background replication, disconnects every adapter, and
// stops the worker pool.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	for _, name := range s.engines.Models() {
		engine, _ := s.engines.Get(name)
		if err := engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
		}
	}
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.procPool != nil {
		if err := s.procPool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) shutdownPool() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.pool.Shutdown(ctx)
	if s.procPool != nil {
		s.procPool.Shutdown(ctx)
	}
}
