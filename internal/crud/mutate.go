package crud

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/eventbus"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// Update patches one entity. The current instance is fetched from the
// primary, the WRITE check runs against it, modified_by is stamped, and
// the patch fans out under the strategy. Returns the re-read entity.
func (e *Engine) Update(ctx context.Context, sctx *security.Context, id string, patch map[string]any) (*types.Entity, error) {
	current, err := e.daos[0].DAO.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.desc.Secured && !allowed(sctx, security.PermWrite, current) {
		return nil, fmt.Errorf("no write permission on %s %q: %w", e.desc.Name, id, storage.ErrPermission)
	}

	p := cleanPatch(patch, e.desc.IDField)
	if len(p) == 0 {
		return current, nil
	}
	if e.desc.Secured {
		p[types.FieldModifiedBy] = sctx.UserID
	}

	// The primary may have been addressed by a graph UID; secondaries
	// know the entity only by its stored id.
	target := current.ID

	switch e.strategy {
	case Sequential:
		err = e.updateSequential(ctx, target, p, current)
	case Parallel:
		err = e.updateParallel(ctx, target, p, current)
	case Eventual:
		err = e.updateEventual(ctx, target, p)
	default:
		err = e.updatePrimaryFirst(ctx, target, p)
	}
	if err != nil {
		return nil, err
	}

	updated, err := e.daos[0].DAO.FindByID(ctx, target)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, eventbus.EventEntityUpdated, target, actorOf(sctx), updated.Document())
	return updated, nil
}

// cleanPatch copies the patch without identity and creation keys.
func cleanPatch(patch map[string]any, idField string) map[string]any {
	p := make(map[string]any, len(patch))
	for k, v := range patch {
		switch k {
		case types.FieldID, idField, types.FieldCreatedAt:
			continue
		}
		p[k] = v
	}
	return p
}

// updateIn patches one adapter and records the attempt.
func (e *Engine) updateIn(ctx context.Context, d storage.Named, id string, p map[string]any) (bool, error) {
	matched, err := d.DAO.Update(ctx, id, p)
	var result any
	if err == nil {
		result = matched
	}
	e.record(d.Name, "update", p, result, err)
	return matched, err
}

// revertPatch maps each patched key back to its pre-update value, nil for
// keys the entity did not carry. Rolling an update back means re-applying
// the old values, not deleting the row.
func revertPatch(p map[string]any, current *types.Entity) map[string]any {
	doc := current.Document()
	revert := make(map[string]any, len(p))
	for k := range p {
		revert[k] = doc[k]
	}
	return revert
}

func (e *Engine) updateSequential(ctx context.Context, id string, p map[string]any, current *types.Entity) error {
	var written []storage.Named
	for _, d := range e.daos {
		if _, err := e.updateIn(ctx, d, id, p); err != nil {
			e.rollbackUpdates(ctx, id, revertPatch(p, current), written)
			return fmt.Errorf("update %s in %s: %w", e.desc.Name, d.Name, err)
		}
		written = append(written, d)
	}
	return nil
}

func (e *Engine) updateParallel(ctx context.Context, id string, p map[string]any, current *types.Entity) error {
	fails := make([]error, len(e.daos))
	var g errgroup.Group
	for i, d := range e.daos {
		g.Go(func() error {
			_, fails[i] = e.updateIn(ctx, d, id, p)
			return nil
		})
	}
	g.Wait()

	var errs []error
	var written []storage.Named
	for i, failure := range fails {
		if failure != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.daos[i].Name, failure))
		} else {
			written = append(written, e.daos[i])
		}
	}
	if len(errs) > 0 {
		e.rollbackUpdates(ctx, id, revertPatch(p, current), written)
		return fmt.Errorf("update %s: %w", e.desc.Name, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) updatePrimaryFirst(ctx context.Context, id string, p map[string]any) error {
	if _, err := e.updateIn(ctx, e.daos[0], id, p); err != nil {
		return fmt.Errorf("update %s in %s: %w", e.desc.Name, e.daos[0].Name, err)
	}
	e.fanSecondaries("update", func(d storage.Named) error {
		_, err := e.updateIn(ctx, d, id, p)
		return err
	})
	return nil
}

func (e *Engine) updateEventual(ctx context.Context, id string, p map[string]any) error {
	if _, err := e.updateIn(ctx, e.daos[0], id, p); err != nil {
		return fmt.Errorf("update %s in %s: %w", e.desc.Name, e.daos[0].Name, err)
	}
	for _, d := range e.secondaries() {
		e.replicate(d, "update", id, p, func(rctx context.Context) error {
			_, err := d.DAO.Update(rctx, id, p)
			return err
		})
	}
	return nil
}

func (e *Engine) rollbackUpdates(ctx context.Context, id string, revert map[string]any, written []storage.Named) {
	for _, d := range written {
		_, err := d.DAO.Update(ctx, id, revert)
		e.record(d.Name, "rollback", revert, nil, err)
		if err != nil {
			debug.Logf("crud %s: rollback update in %s: %v", e.desc.Name, d.Name, err)
		}
	}
}

// Delete removes one entity everywhere. The current instance is fetched
// for the DELETE check and for rollback under the all-or-nothing
// strategies.
func (e *Engine) Delete(ctx context.Context, sctx *security.Context, id string) error {
	current, err := e.daos[0].DAO.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if e.desc.Secured && !allowed(sctx, security.PermDelete, current) {
		return fmt.Errorf("no delete permission on %s %q: %w", e.desc.Name, id, storage.ErrPermission)
	}
	target := current.ID

	switch e.strategy {
	case Sequential:
		err = e.deleteSequential(ctx, target, current)
	case Parallel:
		err = e.deleteParallel(ctx, target, current)
	case Eventual:
		err = e.deleteEventual(ctx, target)
	default:
		err = e.deletePrimaryFirst(ctx, target)
	}
	if err != nil {
		return err
	}
	e.publish(ctx, eventbus.EventEntityDeleted, target, actorOf(sctx), current.Document())
	return nil
}

func (e *Engine) deleteIn(ctx context.Context, d storage.Named, id string) (bool, error) {
	removed, err := d.DAO.Delete(ctx, id)
	var result any
	if err == nil {
		result = removed
	}
	e.record(d.Name, "delete", nil, result, err)
	return removed, err
}

func (e *Engine) deleteSequential(ctx context.Context, id string, current *types.Entity) error {
	var removed []storage.Named
	for _, d := range e.daos {
		if _, err := e.deleteIn(ctx, d, id); err != nil {
			e.rollbackDeletes(ctx, current, removed)
			return fmt.Errorf("delete %s from %s: %w", e.desc.Name, d.Name, err)
		}
		removed = append(removed, d)
	}
	return nil
}

func (e *Engine) deleteParallel(ctx context.Context, id string, current *types.Entity) error {
	fails := make([]error, len(e.daos))
	var g errgroup.Group
	for i, d := range e.daos {
		g.Go(func() error {
			_, fails[i] = e.deleteIn(ctx, d, id)
			return nil
		})
	}
	g.Wait()

	var errs []error
	var removed []storage.Named
	for i, failure := range fails {
		if failure != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.daos[i].Name, failure))
		} else {
			removed = append(removed, e.daos[i])
		}
	}
	if len(errs) > 0 {
		e.rollbackDeletes(ctx, current, removed)
		return fmt.Errorf("delete %s: %w", e.desc.Name, errors.Join(errs...))
	}
	return nil
}

// deletePrimaryFirst removes the mirrors before the source of truth, so a
// failed secondary still leaves the primary readable.
func (e *Engine) deletePrimaryFirst(ctx context.Context, id string) error {
	e.fanSecondaries("delete", func(d storage.Named) error {
		_, err := e.deleteIn(ctx, d, id)
		return err
	})
	if _, err := e.deleteIn(ctx, e.daos[0], id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", e.desc.Name, e.daos[0].Name, err)
	}
	return nil
}

func (e *Engine) deleteEventual(ctx context.Context, id string) error {
	if _, err := e.deleteIn(ctx, e.daos[0], id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", e.desc.Name, e.daos[0].Name, err)
	}
	for _, d := range e.secondaries() {
		e.replicate(d, "delete", id, nil, func(rctx context.Context) error {
			_, err := d.DAO.Delete(rctx, id)
			return err
		})
	}
	return nil
}

// rollbackDeletes restores the fetched instance into adapters that already
// dropped it.
func (e *Engine) rollbackDeletes(ctx context.Context, current *types.Entity, removed []storage.Named) {
	for _, d := range removed {
		_, err := d.DAO.Create(ctx, current.Clone())
		e.record(d.Name, "rollback", current.Document(), nil, err)
		if err != nil {
			debug.Logf("crud %s: rollback delete in %s: %v", e.desc.Name, d.Name, err)
		}
	}
}
