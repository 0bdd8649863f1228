package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/dgo/v240/protos/api"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/uuidv7"
)

// Create writes the entity as a new node and returns the UID the server
// assigned. The UID is the canonical cross-backend correlator; the stored
// id predicate keeps the entity addressable by its own id as well.
func (s *Store) Create(ctx context.Context, e *types.Entity) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuidv7.NewPrefixed(s.desc.IDPrefix)
	} else {
		exists, err := s.Exists(ctx, c.ID)
		if err != nil {
			return "", err
		}
		if exists {
			return "", fmt.Errorf("%s %q: %w", s.desc.Name, c.ID, storage.ErrDuplicate)
		}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	obj, err := s.encode(c)
	if err != nil {
		return "", err
	}
	obj["uid"] = "_:node"
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode %s %q: %v: %w", s.desc.Name, c.ID, err, storage.ErrValidation)
	}
	resp, err := s.dg.NewTxn().Mutate(ctx, &api.Mutation{SetJson: raw, CommitNow: true})
	if err != nil {
		return "", s.wrap("create in", err)
	}
	uid, ok := resp.Uids["node"]
	if !ok {
		return "", fmt.Errorf("create in %s: no uid assigned: %w", s.prefix, storage.ErrStorage)
	}
	return uid, nil
}

func (s *Store) CreateMany(ctx context.Context, es []*types.Entity) ([]string, error) {
	ids := make([]string, 0, len(es))
	for _, e := range es {
		id, err := s.Create(ctx, e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FindByID accepts a native UID or a stored entity id and returns the
// hydrated node.
func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var raws []map[string]any
	var err error
	if IsUID(id) {
		raws, err = s.runQuery(ctx, s.byUIDQuery(id), nil)
	} else {
		q, varName := s.byIDQuery()
		raws, err = s.runQuery(ctx, q, map[string]string{varName: id})
	}
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	return s.entity(raws[0]), nil
}

func (s *Store) FindOne(ctx context.Context, q query.Query) (*types.Entity, error) {
	es, err := s.Find(ctx, q, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(es) == 0 {
		return nil, fmt.Errorf("%s matching %s: %w", s.desc.Name, query.Describe(q), storage.ErrNotFound)
	}
	return es[0], nil
}

func (s *Store) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	nodes, err := s.matchNodes(ctx, q)
	if err != nil {
		return nil, err
	}
	if opts.OrderBy != "" {
		field := opts.OrderBy
		sort.SliceStable(nodes, func(i, j int) bool {
			cmp, ok := query.Compare(nodes[i].doc[field], nodes[j].doc[field])
			if !ok {
				return false
			}
			if opts.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(nodes) {
			nodes = nil
		} else {
			nodes = nodes[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(nodes) > opts.Limit {
		nodes = nodes[:opts.Limit]
	}
	out := make([]*types.Entity, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.hydrate())
	}
	return out, nil
}

// node is one matched result: the decoded document and its uid, kept
// together so hydration does not re-decode.
type node struct {
	uid string
	doc map[string]any
}

func (n node) hydrate() *types.Entity {
	e := types.FromDocument(n.doc)
	if e.ID == "" {
		e.ID = n.uid
	}
	return e
}

// matchNodes fetches candidate nodes and keeps those the typed matcher
// accepts. The DQL filter from narrow is a superset of the matching nodes,
// so the matcher is the sole authority on membership. Results come back in
// uid order, which is assignment order.
func (s *Store) matchNodes(ctx context.Context, q query.Query) ([]node, error) {
	vars := newVars()
	filter := s.narrow(q, vars)
	raws, err := s.runQuery(ctx, s.resultsQuery(filter, vars), vars.vals)
	if err != nil {
		return nil, err
	}
	nodes := make([]node, 0, len(raws))
	for _, raw := range raws {
		doc, uid := s.decode(raw)
		if query.Match(q, doc) {
			nodes = append(nodes, node{uid: uid, doc: doc})
		}
	}
	return nodes, nil
}

// runQuery executes one DQL read and returns the objects under "results".
func (s *Store) runQuery(ctx context.Context, text string, vars map[string]string) ([]map[string]any, error) {
	txn := s.dg.NewReadOnlyTxn()
	var resp *api.Response
	var err error
	if len(vars) == 0 {
		resp, err = txn.Query(ctx, text)
	} else {
		resp, err = txn.QueryWithVars(ctx, text, vars)
	}
	if err != nil {
		return nil, s.wrap("query", err)
	}
	var parsed struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("query %s: decode response: %v: %w", s.prefix, err, storage.ErrStorage)
	}
	return parsed.Results, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if query.IsAll(q) || s.exactFilter(q) {
		vars := newVars()
		filter := s.narrow(q, vars)
		raws, err := s.runQuery(ctx, s.countQuery(filter, vars), vars.vals)
		if err != nil {
			return 0, err
		}
		if len(raws) == 0 {
			return 0, nil
		}
		if f, ok := toFloat(raws[0]["total"]); ok {
			return int64(f), nil
		}
		return 0, nil
	}
	nodes, err := s.matchNodes(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(nodes)), nil
}

// exactFilter reports whether narrow translates q without widening: every
// term lands on a server-comparable scalar with a bindable value. Count can
// then aggregate server-side instead of shipping nodes.
func (s *Store) exactFilter(q query.Query) bool {
	switch t := q.(type) {
	case query.Eq:
		return s.comparable(t.Field) && (t.Value == nil || bindable(t.Value))
	case query.Cmp:
		if !s.comparable(t.Field) {
			return false
		}
		if t.Op == query.OpNe {
			return t.Value == nil || bindable(t.Value)
		}
		return t.Value != nil && bindable(t.Value)
	case query.In:
		if len(t.Values) == 0 || !s.comparable(t.Field) {
			return false
		}
		for _, v := range t.Values {
			if v != nil && !bindable(v) {
				return false
			}
		}
		return true
	case query.And:
		for _, term := range t.Terms {
			if !s.exactFilter(term) {
				return false
			}
		}
		return true
	case query.Or:
		if len(t.Terms) == 0 {
			return false
		}
		for _, term := range t.Terms {
			if !s.exactFilter(term) {
				return false
			}
		}
		return true
	}
	return false
}

func bindable(v any) bool {
	switch v.(type) {
	case string, bool, time.Time:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.FindByID(ctx, id)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update patches one node. Each patched predicate is dropped and rewritten
// inside a single transaction, so a scalar overwrite can never accumulate
// into a value list and readers never observe the gap between the two
// steps.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	uid, err := s.resolveUID(ctx, id)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	del := map[string]any{"uid": uid}
	set := map[string]any{"uid": uid, s.pred(types.FieldUpdatedAt): time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range patch {
		if k == types.FieldID || k == s.desc.IDField || !query.ValidIdent(k) {
			continue
		}
		del[s.pred(k)] = nil
		if v == nil {
			continue
		}
		ev, err := encodeValue(v)
		if err != nil {
			return false, fmt.Errorf("%s field %q: %v: %w", s.desc.Name, k, err, storage.ErrValidation)
		}
		set[s.pred(k)] = ev
	}
	delRaw, err := json.Marshal(del)
	if err != nil {
		return false, fmt.Errorf("encode patch for %q: %v: %w", id, err, storage.ErrValidation)
	}
	setRaw, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("encode patch for %q: %v: %w", id, err, storage.ErrValidation)
	}

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)
	if len(del) > 1 {
		if _, err := txn.Mutate(ctx, &api.Mutation{DeleteJson: delRaw}); err != nil {
			return false, s.wrap("update in", err)
		}
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: setRaw}); err != nil {
		return false, s.wrap("update in", err)
	}
	if err := txn.Commit(ctx); err != nil {
		return false, s.wrap("update in", err)
	}
	return true, nil
}

func (s *Store) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	nodes, err := s.matchNodes(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, nd := range nodes {
		ok, err := s.Update(ctx, nd.uid, patch)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Delete removes one node by native UID or stored id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	uid, err := s.resolveUID(ctx, id)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(map[string]any{"uid": uid})
	if err != nil {
		return false, fmt.Errorf("encode delete of %q: %v: %w", id, err, storage.ErrValidation)
	}
	if _, err := s.dg.NewTxn().Mutate(ctx, &api.Mutation{DeleteJson: raw, CommitNow: true}); err != nil {
		return false, s.wrap("delete from", err)
	}
	return true, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	nodes, err := s.matchNodes(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, nd := range nodes {
		ok, err := s.Delete(ctx, nd.uid)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// resolveUID maps an id in either space onto the native handle. A
// well-formed UID passes through unverified; mutations against a missing
// UID are no-ops server-side.
func (s *Store) resolveUID(ctx context.Context, id string) (string, error) {
	if IsUID(id) {
		return id, nil
	}
	q := fmt.Sprintf(`query q($id: string) {
  results(func: eq(%s, $id), first: 1) @filter(type(%s)) {
    uid
  }
}`, s.pred(s.desc.IDField), s.typeName())
	raws, err := s.runQuery(ctx, q, map[string]string{"$id": id})
	if err != nil {
		return "", err
	}
	if len(raws) == 0 {
		return "", storage.NotFound(s.desc.Name, id)
	}
	uid, _ := raws[0]["uid"].(string)
	if uid == "" {
		return "", storage.NotFound(s.desc.Name, id)
	}
	return uid, nil
}
