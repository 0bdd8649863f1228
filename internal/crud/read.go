package crud

import (
	"context"
	"fmt"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// FindByID reads one entity from the primary binding.
func (e *Engine) FindByID(ctx context.Context, sctx *security.Context, id string) (*types.Entity, error) {
	return e.findByIDIn(ctx, sctx, e.daos[0], id)
}

// FindByIDFrom reads one entity from a named binding.
func (e *Engine) FindByIDFrom(ctx context.Context, sctx *security.Context, binding, id string) (*types.Entity, error) {
	d, ok := e.DAO(binding)
	if !ok {
		return nil, fmt.Errorf("model %s has no binding %q: %w", e.desc.Name, binding, storage.ErrConfiguration)
	}
	return e.findByIDIn(ctx, sctx, d, id)
}

func (e *Engine) findByIDIn(ctx context.Context, sctx *security.Context, d storage.Named, id string) (*types.Entity, error) {
	ent, err := d.DAO.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.desc.Secured && !allowed(sctx, security.PermRead, ent) {
		return nil, fmt.Errorf("no read permission on %s %q: %w", e.desc.Name, id, storage.ErrPermission)
	}
	return ent, nil
}

// Find runs a typed query against the primary binding. On a secured model
// the caller's query is intersected with the ownership-or-ACL filter and
// every returned entity is re-checked for READ in process, so a backend
// that widens the filter can never leak a record.
func (e *Engine) Find(ctx context.Context, sctx *security.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if !e.desc.Secured {
		return e.daos[0].DAO.Find(ctx, q, opts)
	}
	if sctx == nil {
		return nil, fmt.Errorf("find %s: model is secured, a security context is required: %w", e.desc.Name, storage.ErrPermission)
	}

	// Skip and limit apply after the in-process permission pass; the
	// backend would otherwise paginate over rows the caller cannot see.
	fetch := storage.FindOptions{OrderBy: opts.OrderBy, Desc: opts.Desc}
	ents, err := e.daos[0].DAO.Find(ctx, e.securedQuery(sctx, q), fetch)
	if err != nil {
		return nil, err
	}
	visible := make([]*types.Entity, 0, len(ents))
	for _, ent := range ents {
		if allowed(sctx, security.PermRead, ent) {
			visible = append(visible, ent)
		}
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(visible) {
			visible = visible[:0]
		} else {
			visible = visible[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(visible) > opts.Limit {
		visible = visible[:opts.Limit]
	}
	return visible, nil
}

// Count counts matches. Secured models count what Find would return.
func (e *Engine) Count(ctx context.Context, sctx *security.Context, q query.Query) (int64, error) {
	if !e.desc.Secured {
		return e.daos[0].DAO.Count(ctx, q)
	}
	ents, err := e.Find(ctx, sctx, q, storage.FindOptions{})
	if err != nil {
		return 0, err
	}
	return int64(len(ents)), nil
}

// securedQuery intersects the caller's query with the reachability filter:
// rows the caller owns, or rows carrying an ACL entry for any of the
// caller's principals.
func (e *Engine) securedQuery(sctx *security.Context, q query.Query) query.Query {
	principals := make([]any, 0, 4)
	for _, p := range sctx.PrincipalSet() {
		principals = append(principals, p)
	}
	reach := query.Or{Terms: []query.Query{
		query.Eq{Field: types.FieldOwnerID, Value: sctx.UserID},
		query.In{Field: "acl.principal_id", Values: principals},
	}}
	if query.IsAll(q) {
		return reach
	}
	return query.And{Terms: []query.Query{q, reach}}
}

// allowed runs the ACL check against an entity's security block. Entities
// without one deny everything on a secured model.
func allowed(sctx *security.Context, p security.Permission, ent *types.Entity) bool {
	var owner string
	var acl []security.ACLEntry
	if ent.Security != nil {
		owner = ent.Security.OwnerID
		acl = ent.Security.ACL
	}
	return security.CheckPermission(sctx, p, owner, acl)
}
