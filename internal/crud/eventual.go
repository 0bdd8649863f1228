package crud

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/eventbus"
	"github.com/polystore/polystore/internal/storage"
)

// replicate schedules one adapter's background replication with bounded
// exponential retry. The op log gains a pending entry at schedule time and
// a final entry when the attempt resolves; the outcome publishes as a
// replication event. Replication runs on the engine's worker pool when one
// is attached, detached from the caller's context either way: the primary
// write has committed, so cancelling the caller must not cancel the
// mirrors.
func (e *Engine) replicate(d storage.Named, operation, entityID string, doc map[string]any, fn func(context.Context) error) {
	e.recordPending(d.Name, operation, doc)
	e.background.Add(1)
	run := func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.repTO)
		defer cancel()
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
		err := backoff.Retry(func() error { return fn(ctx) }, bo)
		e.record(d.Name, operation, doc, nil, err)
		if err != nil {
			debug.Logf("crud %s: eventual %s to %s: %v", e.desc.Name, operation, d.Name, err)
		}
		e.publishReplication(d.Name, entityID, err)
	}
	if e.workers != nil {
		if _, err := e.workers.Submit(func(context.Context, map[string]any) (any, error) {
			run()
			return nil, nil
		}); err == nil {
			return
		}
	}
	go run()
}

// publishReplication emits the replication outcome. Dispatch runs on a
// fresh context: the replication deadline expiring is exactly the failure
// case the event reports.
func (e *Engine) publishReplication(binding, entityID string, repErr error) {
	if e.bus == nil {
		return
	}
	ev := &eventbus.Event{
		Type:     eventbus.EventReplicated,
		Model:    e.desc.Name,
		EntityID: entityID,
		Binding:  binding,
		At:       time.Now().UTC(),
	}
	if repErr != nil {
		ev.Type = eventbus.EventReplicationFailed
		ev.Err = repErr.Error()
	}
	if err := e.bus.Dispatch(context.Background(), ev); err != nil {
		debug.Logf("crud %s: replication event for %s: %v", e.desc.Name, binding, err)
	}
}
