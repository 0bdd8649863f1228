// Package testutil provides storage fakes for engine and transport tests.
//
// The fakes wrap a real DAO (usually the memory adapter) rather than
// stubbing the whole contract, so tests exercise genuine storage semantics
// and only the failure injection is synthetic.
//
// Usage:
//
//	mem := memory.New(desc, model.KindDocument)
//	dao := &testutil.FailingDAO{DAO: mem, FailCreate: errors.New("disk full")}
package testutil

import (
	"context"
	"sync"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// FailingDAO delegates to the wrapped DAO and fails selected operations
// with the configured error instead of calling through.
type FailingDAO struct {
	storage.DAO

	FailConnect error
	FailCreate  error
	FailUpdate  error
	FailDelete  error
	FailFind    error
}

func (f *FailingDAO) Connect(ctx context.Context) error {
	if f.FailConnect != nil {
		return f.FailConnect
	}
	return f.DAO.Connect(ctx)
}

func (f *FailingDAO) Create(ctx context.Context, e *types.Entity) (string, error) {
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	return f.DAO.Create(ctx, e)
}

func (f *FailingDAO) CreateMany(ctx context.Context, es []*types.Entity) ([]string, error) {
	if f.FailCreate != nil {
		return nil, f.FailCreate
	}
	return f.DAO.CreateMany(ctx, es)
}

func (f *FailingDAO) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if f.FailUpdate != nil {
		return false, f.FailUpdate
	}
	return f.DAO.Update(ctx, id, patch)
}

func (f *FailingDAO) Delete(ctx context.Context, id string) (bool, error) {
	if f.FailDelete != nil {
		return false, f.FailDelete
	}
	return f.DAO.Delete(ctx, id)
}

func (f *FailingDAO) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if f.FailFind != nil {
		return nil, f.FailFind
	}
	return f.DAO.FindByID(ctx, id)
}

func (f *FailingDAO) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if f.FailFind != nil {
		return nil, f.FailFind
	}
	return f.DAO.Find(ctx, q, opts)
}

// CallLog collects operation names across a fan-out in arrival order. One
// log is shared by every RecordingDAO in a test so cross-adapter ordering
// is observable.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Record appends one call.
func (l *CallLog) Record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls snapshots the log.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// RecordingDAO delegates to the wrapped DAO, noting each mutating call as
// "{name}.{operation}" in the shared log.
type RecordingDAO struct {
	storage.DAO

	Name string
	Log  *CallLog
}

func (r *RecordingDAO) Create(ctx context.Context, e *types.Entity) (string, error) {
	r.Log.Record(r.Name + ".create")
	return r.DAO.Create(ctx, e)
}

func (r *RecordingDAO) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	r.Log.Record(r.Name + ".update")
	return r.DAO.Update(ctx, id, patch)
}

func (r *RecordingDAO) Delete(ctx context.Context, id string) (bool, error) {
	r.Log.Record(r.Name + ".delete")
	return r.DAO.Delete(ctx, id)
}
