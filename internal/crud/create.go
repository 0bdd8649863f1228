package crud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/eventbus"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/uuidv7"
)

// Create stamps identity, timestamps, and the security block onto a copy
// of the entity, then writes it through the configured strategy. The
// returned entity is the re-materialized instance: its id is the engine's
// v7 id, and when the primary is a graph the assigned UID rides in the
// security block as graph_id.
func (e *Engine) Create(ctx context.Context, sctx *security.Context, ent *types.Entity) (*types.Entity, error) {
	if ent == nil {
		return nil, fmt.Errorf("create %s: nil entity: %w", e.desc.Name, storage.ErrValidation)
	}
	if e.desc.Secured && sctx == nil {
		return nil, fmt.Errorf("create %s: model is secured, a security context is required: %w", e.desc.Name, storage.ErrPermission)
	}

	c := ent.Clone()
	if c.ID == "" {
		c.ID = uuidv7.NewPrefixed(e.desc.IDPrefix)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if err := e.applyDeclaration(c); err != nil {
		return nil, err
	}
	if e.desc.Secured {
		stampOwnership(c, sctx, now)
	}

	var err error
	switch e.strategy {
	case Sequential:
		err = e.createSequential(ctx, c)
	case Parallel:
		err = e.createParallel(ctx, c)
	case Eventual:
		err = e.createEventual(ctx, c)
	default:
		err = e.createPrimaryFirst(ctx, c)
	}
	if err != nil {
		return nil, err
	}
	e.publish(ctx, eventbus.EventEntityCreated, c.ID, actorOf(sctx), c.Document())
	return c, nil
}

// applyDeclaration fills declared defaults into absent fields, then
// enforces required fields.
func (e *Engine) applyDeclaration(c *types.Entity) error {
	for _, f := range e.desc.Fields {
		if _, ok := c.Get(f.Name); ok {
			continue
		}
		if f.Default != nil {
			c.Set(f.Name, f.Default)
			continue
		}
		if f.Required {
			return fmt.Errorf("create %s: required field %q is missing: %w", e.desc.Name, f.Name, storage.ErrValidation)
		}
	}
	return nil
}

// stampOwnership writes the caller's identity into the security block and
// grants the owner ADMIN. An existing owner grant is left alone.
func stampOwnership(c *types.Entity, sctx *security.Context, now time.Time) {
	if c.Security == nil {
		c.Security = &types.Security{}
	}
	sec := c.Security
	sec.OwnerID = sctx.UserID
	sec.CreatedBy = sctx.UserID
	sec.ModifiedBy = sctx.UserID
	for _, entry := range sec.ACL {
		if entry.PrincipalID == sctx.UserID && entry.Grants(security.PermAdmin) && !entry.Expired(now) {
			return
		}
	}
	sec.ACL = append(sec.ACL, security.OwnerEntry(sctx.UserID, now))
}

// createIn writes the entity into one adapter and records the attempt.
func (e *Engine) createIn(ctx context.Context, d storage.Named, c *types.Entity) (string, error) {
	id, err := d.DAO.Create(ctx, c)
	var result any
	if err == nil {
		result = id
	}
	e.record(d.Name, "create", c.Document(), result, err)
	return id, err
}

// captureAssigned folds the primary's returned id back into the entity. A
// graph primary hands back its node UID, which becomes the cross-backend
// correlator under graph_id; any other adapter returning a different id
// has assigned its own, and the entity adopts it.
func (e *Engine) captureAssigned(c *types.Entity, d storage.Named, returned string) {
	if returned == "" || returned == c.ID {
		return
	}
	if d.DAO.Kind() == model.KindGraph {
		if c.Security == nil {
			c.Security = &types.Security{}
		}
		c.Security.GraphID = returned
		return
	}
	c.ID = returned
}

func (e *Engine) createSequential(ctx context.Context, c *types.Entity) error {
	var written []storage.Named
	for i, d := range e.daos {
		id, err := e.createIn(ctx, d, c)
		if err != nil {
			e.rollbackCreates(ctx, c, written)
			return fmt.Errorf("create %s in %s: %w", e.desc.Name, d.Name, err)
		}
		if i == 0 {
			e.captureAssigned(c, d, id)
		}
		written = append(written, d)
	}
	return nil
}

func (e *Engine) createParallel(ctx context.Context, c *types.Entity) error {
	ids := make([]string, len(e.daos))
	fails := make([]error, len(e.daos))
	var g errgroup.Group
	for i, d := range e.daos {
		g.Go(func() error {
			ids[i], fails[i] = e.createIn(ctx, d, c)
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
		e.rollbackCreates(ctx, c, written)
		return fmt.Errorf("create %s: %w", e.desc.Name, errors.Join(errs...))
	}
	e.captureAssigned(c, e.daos[0], ids[0])
	return nil
}

func (e *Engine) createPrimaryFirst(ctx context.Context, c *types.Entity) error {
	primary := e.daos[0]
	id, err := e.createIn(ctx, primary, c)
	if err != nil {
		return fmt.Errorf("create %s in %s: %w", e.desc.Name, primary.Name, err)
	}
	e.captureAssigned(c, primary, id)
	snap := c.Clone()
	e.fanSecondaries("create", func(d storage.Named) error {
		_, err := e.createIn(ctx, d, snap)
		return err
	})
	return nil
}

func (e *Engine) createEventual(ctx context.Context, c *types.Entity) error {
	primary := e.daos[0]
	id, err := e.createIn(ctx, primary, c)
	if err != nil {
		return fmt.Errorf("create %s in %s: %w", e.desc.Name, primary.Name, err)
	}
	e.captureAssigned(c, primary, id)
	snap := c.Clone()
	for _, d := range e.secondaries() {
		e.replicate(d, "create", c.ID, snap.Document(), func(rctx context.Context) error {
			_, err := d.DAO.Create(rctx, snap)
			return err
		})
	}
	return nil
}

// rollbackCreates undoes prior successful creates by delete, recording
// each attempt. A graph adapter that assigned a UID is addressed by it.
func (e *Engine) rollbackCreates(ctx context.Context, c *types.Entity, written []storage.Named) {
	for _, d := range written {
		id := c.ID
		if d.DAO.Kind() == model.KindGraph && c.Security != nil && c.Security.GraphID != "" {
			id = c.Security.GraphID
		}
		_, err := d.DAO.Delete(ctx, id)
		e.record(d.Name, "rollback", nil, nil, err)
		if err != nil {
			debug.Logf("crud %s: rollback create in %s: %v", e.desc.Name, d.Name, err)
		}
	}
}

// fanSecondaries runs fn against every secondary concurrently, waiting for
// completion. Failures are logged and recorded by fn, never returned.
func (e *Engine) fanSecondaries(op string, fn func(storage.Named) error) {
	var g errgroup.Group
	for _, d := range e.secondaries() {
		g.Go(func() error {
			if err := fn(d); err != nil {
				debug.Logf("crud %s: %s mirror to %s: %v", e.desc.Name, op, d.Name, err)
			}
			return nil
		})
	}
	g.Wait()
}
