// Package crud is the unified engine that fans entity operations out
// across a model's bindings under a configurable sync strategy, enforces
// the security model for secured descriptors, and keeps a per-engine
// operations log of every per-backend attempt.
//
// Layout:
//   - crud.go: Strategy, Engine, constructor, lifecycle, op log, events
//   - create.go: create fan-out and rollback
//   - read.go: id and query reads with security filtering
//   - mutate.go: update and delete fan-out
//   - registry.go: the engine registry served over RPC
package crud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/eventbus"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/workerpool"
)

// Strategy is the policy that orders and combines per-backend writes.
type Strategy string

const (
	// Sequential writes adapters in declaration order and rolls prior
	// successes back on failure.
	Sequential Strategy = "SEQUENTIAL"
	// Parallel fans out to every adapter concurrently and rolls every
	// success back when any adapter fails.
	Parallel Strategy = "PARALLEL"
	// PrimaryFirst writes the primary synchronously, then mirrors to the
	// secondaries concurrently; secondary failures are recorded, not
	// returned. The default.
	PrimaryFirst Strategy = "PRIMARY_FIRST"
	// Eventual writes the primary synchronously and replicates to the
	// secondaries in the background with bounded retry. There is no
	// durable replication log: a process crash between the primary write
	// and the last successful replica loses the pending mirrors.
	Eventual Strategy = "EVENTUAL"
)

// ParseStrategy normalizes a configured strategy name. Empty selects the
// default.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return PrimaryFirst, nil
	case Sequential:
		return Sequential, nil
	case Parallel:
		return Parallel, nil
	case PrimaryFirst:
		return PrimaryFirst, nil
	case Eventual:
		return Eventual, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q: %w", s, storage.ErrConfiguration)
}

// Options tunes an engine beyond what the descriptor declares.
type Options struct {
	// Strategy overrides the descriptor's sync_strategy when set.
	Strategy Strategy
	// Bus receives a mutation event after each committed operation.
	Bus *eventbus.Bus
	// Workers hosts eventual-strategy replication when set; without a
	// pool replication runs on plain goroutines.
	Workers *workerpool.Pool
	// ReplicateTimeout bounds one adapter's background replication,
	// retries included. Zero means a minute.
	ReplicateTimeout time.Duration
}

// Engine coordinates one model's bindings.
type Engine struct {
	desc     *model.Descriptor
	daos     []storage.Named
	strategy Strategy
	bus      *eventbus.Bus
	workers  *workerpool.Pool
	repTO    time.Duration

	mu  sync.Mutex
	ops []types.StorageOperation

	// background tracks in-flight eventual replications so Close and
	// tests can wait them out.
	background sync.WaitGroup
}

// New builds an engine over resolved adapters. The adapter list must be in
// binding declaration order; the first is the primary.
func New(desc *model.Descriptor, daos []storage.Named, opts Options) (*Engine, error) {
	if desc == nil {
		return nil, fmt.Errorf("engine needs a model descriptor: %w", storage.ErrConfiguration)
	}
	if len(daos) == 0 {
		return nil, fmt.Errorf("model %s: engine needs at least one adapter: %w", desc.Name, storage.ErrConfiguration)
	}
	strategy := opts.Strategy
	if strategy == "" {
		parsed, err := ParseStrategy(desc.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = parsed
	}
	repTO := opts.ReplicateTimeout
	if repTO <= 0 {
		repTO = time.Minute
	}
	return &Engine{
		desc:     desc,
		daos:     append([]storage.Named(nil), daos...),
		strategy: strategy,
		bus:      opts.Bus,
		workers:  opts.Workers,
		repTO:    repTO,
	}, nil
}

// Descriptor returns the model this engine serves.
func (e *Engine) Descriptor() *model.Descriptor { return e.desc }

// Strategy returns the active sync strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Secured reports whether the security model applies to this engine.
func (e *Engine) Secured() bool { return e.desc.Secured }

// Primary returns the first-declared adapter, the source of truth.
func (e *Engine) Primary() storage.Named { return e.daos[0] }

// DAO looks an adapter up by binding name.
func (e *Engine) DAO(name string) (storage.Named, bool) {
	for _, d := range e.daos {
		if d.Name == name {
			return d, true
		}
	}
	return storage.Named{}, false
}

// Adapters snapshots the adapter list in declaration order.
func (e *Engine) Adapters() []storage.Named {
	return append([]storage.Named(nil), e.daos...)
}

// Connect connects every adapter. The first failure aborts, leaving
// earlier connections open for Close to reap.
func (e *Engine) Connect(ctx context.Context) error {
	for _, d := range e.daos {
		if err := d.DAO.Connect(ctx); err != nil {
			return fmt.Errorf("model %s binding %s: %w", e.desc.Name, d.Name, err)
		}
	}
	return nil
}

// Close waits out background replication and disconnects every adapter.
func (e *Engine) Close(ctx context.Context) error {
	e.background.Wait()
	var errs []error
	for _, d := range e.daos {
		if err := d.DAO.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks every adapter, reporting per-binding failures together.
func (e *Engine) Ping(ctx context.Context) error {
	var errs []error
	for _, d := range e.daos {
		if err := d.DAO.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until in-flight background replication drains. Tests use it
// to assert on eventual-strategy outcomes.
func (e *Engine) Wait() { e.background.Wait() }

// Operations snapshots the per-backend operations log.
func (e *Engine) Operations() []types.StorageOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.StorageOperation(nil), e.ops...)
}

// ClearOperations empties the log.
func (e *Engine) ClearOperations() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = nil
}

// record appends one per-backend attempt. Data is projected before it
// enters the log: raw sensitive values never land here.
func (e *Engine) record(binding, operation string, doc map[string]any, result any, opErr error) {
	op := types.StorageOperation{
		StorageName: binding,
		Operation:   operation,
		Status:      types.OpSuccess,
		Result:      result,
		At:          time.Now().UTC(),
	}
	if doc != nil {
		op.Data = security.Project(doc, e.desc.Sensitive)
	}
	if opErr != nil {
		op.Status = types.OpFailed
		op.Error = opErr.Error()
	}
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

// recordPending notes a scheduled background attempt before it runs.
func (e *Engine) recordPending(binding, operation string, doc map[string]any) {
	op := types.StorageOperation{
		StorageName: binding,
		Operation:   operation,
		Status:      types.OpPending,
		At:          time.Now().UTC(),
	}
	if doc != nil {
		op.Data = security.Project(doc, e.desc.Sensitive)
	}
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

// publish emits a mutation event with the projected document.
func (e *Engine) publish(ctx context.Context, t eventbus.EventType, id, actor string, doc map[string]any) {
	if e.bus == nil {
		return
	}
	ev := &eventbus.Event{
		Type:     t,
		Model:    e.desc.Name,
		EntityID: id,
		Actor:    actor,
		At:       time.Now().UTC(),
	}
	if doc != nil {
		ev.Fields = security.Project(doc, e.desc.Sensitive)
	}
	if err := e.bus.Dispatch(ctx, ev); err != nil {
		debug.Logf("crud %s: event %s: %v", e.desc.Name, t, err)
	}
}

// secondaries returns the non-primary adapters in declaration order.
func (e *Engine) secondaries() []storage.Named {
	if len(e.daos) <= 1 {
		return nil
	}
	return e.daos[1:]
}

func actorOf(sctx *security.Context) string {
	if sctx == nil {
		return ""
	}
	return sctx.UserID
}
