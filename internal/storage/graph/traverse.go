package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/dgo/v240/protos/api"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// Direction selects which edges count toward a node's degree.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
	DirAll Direction = "all"
)

// Link adds one rel edge between two nodes. The predicate is declared with
// a reverse index on first use, so degree counts and undirected walks see
// it from both ends.
func (s *Store) Link(ctx context.Context, fromID, rel, toID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.ensureEdge(ctx, rel); err != nil {
		return err
	}
	from, err := s.resolveUID(ctx, fromID)
	if err != nil {
		return err
	}
	to, err := s.resolveUID(ctx, toID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]any{
		"uid":       from,
		s.pred(rel): map[string]any{"uid": to},
	})
	if err != nil {
		return fmt.Errorf("encode link %s: %v: %w", rel, err, storage.ErrValidation)
	}
	if _, err := s.dg.NewTxn().Mutate(ctx, &api.Mutation{SetJson: raw, CommitNow: true}); err != nil {
		return s.wrap("link in", err)
	}
	return nil
}

// Unlink removes one rel edge between two nodes.
func (s *Store) Unlink(ctx context.Context, fromID, rel, toID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.ensureEdge(ctx, rel); err != nil {
		return err
	}
	from, err := s.resolveUID(ctx, fromID)
	if err != nil {
		return err
	}
	to, err := s.resolveUID(ctx, toID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]any{
		"uid":       from,
		s.pred(rel): map[string]any{"uid": to},
	})
	if err != nil {
		return fmt.Errorf("encode unlink %s: %v: %w", rel, err, storage.ErrValidation)
	}
	if _, err := s.dg.NewTxn().Mutate(ctx, &api.Mutation{DeleteJson: raw, CommitNow: true}); err != nil {
		return s.wrap("unlink in", err)
	}
	return nil
}

// KHop returns every node within k hops of start, excluding start itself.
// With edgeTypes the walk follows only those relations; otherwise it
// follows every relation known to the model. The recursion runs to depth
// k+1 because the start node occupies the first level.
func (s *Store) KHop(ctx context.Context, startID string, k int, edgeTypes []string) ([]*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, storage.ErrValidation)
	}
	v, err := s.onWorker(ctx, func(ctx context.Context) (any, error) {
		return s.kHop(ctx, startID, k, edgeTypes)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Entity), nil
}

func (s *Store) kHop(ctx context.Context, startID string, k int, edgeTypes []string) ([]*types.Entity, error) {
	start, err := s.resolveUID(ctx, startID)
	if err != nil {
		return nil, err
	}
	preds, err := s.walkPreds(edgeTypes)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		return []*types.Entity{}, nil
	}
	q := fmt.Sprintf(`{
  walk(func: uid(%s)) @recurse(depth: %d, loop: false) {
    uid
    %s
  }
}`, start, k+1, strings.Join(preds, "\n    "))
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, s.wrap("k-hop from", err)
	}
	var parsed struct {
		Walk []map[string]any `json:"walk"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("k-hop from %s: decode response: %v: %w", s.prefix, err, storage.ErrStorage)
	}
	uids := map[string]bool{}
	for _, root := range parsed.Walk {
		collectUIDs(root, uids)
	}
	delete(uids, start)
	return s.hydrateUIDs(ctx, uids)
}

// collectUIDs walks a nested recurse result gathering every node handle.
func collectUIDs(node map[string]any, into map[string]bool) {
	if uid, ok := node["uid"].(string); ok {
		into[uid] = true
	}
	for _, v := range node {
		switch t := v.(type) {
		case map[string]any:
			collectUIDs(t, into)
		case []any:
			for _, elem := range t {
				if m, ok := elem.(map[string]any); ok {
					collectUIDs(m, into)
				}
			}
		}
	}
}

// hydrateUIDs reads full nodes for a uid set, in uid order.
func (s *Store) hydrateUIDs(ctx context.Context, uids map[string]bool) ([]*types.Entity, error) {
	if len(uids) == 0 {
		return []*types.Entity{}, nil
	}
	list := make([]string, 0, len(uids))
	for uid := range uids {
		if !IsUID(uid) {
			return nil, fmt.Errorf("malformed uid %q: %w", uid, storage.ErrStorage)
		}
		list = append(list, uid)
	}
	q := fmt.Sprintf(`{
  results(func: uid(%s)) {
    uid
    expand(_all_)
  }
}`, strings.Join(list, ", "))
	raws, err := s.runQuery(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entity, 0, len(raws))
	for _, raw := range raws {
		out = append(out, s.entity(raw))
	}
	return out, nil
}

// walkPreds resolves the traversal predicates: the requested relations, or
// every known relation when none are named.
func (s *Store) walkPreds(edgeTypes []string) ([]string, error) {
	if len(edgeTypes) == 0 {
		return s.edgePreds(), nil
	}
	out := make([]string, 0, len(edgeTypes))
	for _, rel := range edgeTypes {
		if !validRel(rel) {
			return nil, fmt.Errorf("relation %q: %w", rel, storage.ErrValidation)
		}
		out = append(out, s.pred(rel))
	}
	return out, nil
}

// ShortestPath returns the ordered node ids from one node to another using
// the server's shortest-path operator, following every known relation.
// An empty slice means no path within maxDepth.
func (s *Store) ShortestPath(ctx context.Context, fromID, toID string, maxDepth int) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if maxDepth < 1 {
		return nil, fmt.Errorf("max depth must be positive, got %d: %w", maxDepth, storage.ErrValidation)
	}
	v, err := s.onWorker(ctx, func(ctx context.Context) (any, error) {
		return s.shortestPath(ctx, fromID, toID, maxDepth)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (s *Store) shortestPath(ctx context.Context, fromID, toID string, maxDepth int) ([]string, error) {
	from, err := s.resolveUID(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.resolveUID(ctx, toID)
	if err != nil {
		return nil, err
	}
	preds := s.edgePreds()
	if len(preds) == 0 {
		return []string{}, nil
	}
	q := fmt.Sprintf(`{
  route as shortest(from: %s, to: %s, depth: %d) {
    %s
  }
  path(func: uid(route)) {
    uid
    xid: %s
  }
}`, from, to, maxDepth, strings.Join(preds, "\n    "), s.pred(s.desc.IDField))
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, s.wrap("shortest path in", err)
	}
	var parsed struct {
		Path []struct {
			UID string `json:"uid"`
			XID string `json:"xid"`
		} `json:"path"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("shortest path in %s: decode response: %v: %w", s.prefix, err, storage.ErrStorage)
	}
	out := make([]string, 0, len(parsed.Path))
	for _, p := range parsed.Path {
		if p.XID != "" {
			out = append(out, p.XID)
		} else {
			out = append(out, p.UID)
		}
	}
	return out, nil
}

// ConnectedComponents partitions this model's nodes by undirected
// reachability over the known relations. Each component is a list of
// entity ids. The neighbor expansion runs node by node with a visited set,
// so the walk's memory stays proportional to the graph, not to its edges.
func (s *Store) ConnectedComponents(ctx context.Context) ([][]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	v, err := s.onWorker(ctx, func(ctx context.Context) (any, error) {
		return s.connectedComponents(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]string), nil
}

func (s *Store) connectedComponents(ctx context.Context) ([][]string, error) {
	q := fmt.Sprintf(`{
  results(func: type(%s)) {
    uid
    xid: %s
  }
}`, s.typeName(), s.pred(s.desc.IDField))
	raws, err := s.runQuery(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(raws))
	order := make([]string, 0, len(raws))
	for _, raw := range raws {
		uid, _ := raw["uid"].(string)
		if uid == "" {
			continue
		}
		id, _ := raw["xid"].(string)
		if id == "" {
			id = uid
		}
		ids[uid] = id
		order = append(order, uid)
	}

	visited := map[string]bool{}
	var components [][]string
	for _, start := range order {
		if visited[start] {
			continue
		}
		var component []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			uid := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if id, ok := ids[uid]; ok {
				component = append(component, id)
			}
			neighbors, err := s.neighbors(ctx, uid)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		components = append(components, component)
	}
	return components, nil
}

// neighbors returns the uids adjacent to one node over every known
// relation, in both directions.
func (s *Store) neighbors(ctx context.Context, uid string) ([]string, error) {
	preds := s.edgePreds()
	if len(preds) == 0 {
		return nil, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "{\n  n(func: uid(%s)) {\n", uid)
	for i, p := range preds {
		fmt.Fprintf(&b, "    f%d: %s { uid }\n", i, p)
		fmt.Fprintf(&b, "    r%d: ~%s { uid }\n", i, p)
	}
	b.WriteString("  }\n}")
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, b.String())
	if err != nil {
		return nil, s.wrap("expand neighbors in", err)
	}
	var parsed struct {
		N []map[string]any `json:"n"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("expand neighbors in %s: decode response: %v: %w", s.prefix, err, storage.ErrStorage)
	}
	var out []string
	for _, raw := range parsed.N {
		for k, v := range raw {
			if k == "uid" {
				continue
			}
			refs, ok := v.([]any)
			if !ok {
				continue
			}
			for _, ref := range refs {
				if m, ok := ref.(map[string]any); ok {
					if nuid, ok := m["uid"].(string); ok {
						out = append(out, nuid)
					}
				}
			}
		}
	}
	return out, nil
}

// NodeDegree counts the node's edges over every known relation in the
// given direction.
func (s *Store) NodeDegree(ctx context.Context, id string, dir Direction) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	switch dir {
	case DirIn, DirOut, DirAll:
	default:
		return 0, fmt.Errorf("direction %q: %w", dir, storage.ErrValidation)
	}
	uid, err := s.resolveUID(ctx, id)
	if err != nil {
		return 0, err
	}
	preds := s.edgePreds()
	if len(preds) == 0 {
		return 0, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "{\n  node(func: uid(%s)) {\n", uid)
	for i, p := range preds {
		if dir == DirOut || dir == DirAll {
			fmt.Fprintf(&b, "    o%d: count(%s)\n", i, p)
		}
		if dir == DirIn || dir == DirAll {
			fmt.Fprintf(&b, "    i%d: count(~%s)\n", i, p)
		}
	}
	b.WriteString("  }\n}")
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, b.String())
	if err != nil {
		return 0, s.wrap("degree in", err)
	}
	var parsed struct {
		Node []map[string]any `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return 0, fmt.Errorf("degree in %s: decode response: %v: %w", s.prefix, err, storage.ErrStorage)
	}
	var total int64
	for _, raw := range parsed.Node {
		for k, v := range raw {
			if k == "uid" {
				continue
			}
			if f, ok := toFloat(v); ok {
				total += int64(f)
			}
		}
	}
	return total, nil
}

// onWorker runs fn on a checked-out pool worker when the store has a pool,
// keeping a long traversal's round trips on one execution unit. A refused
// checkout falls back to the caller's goroutine.
func (s *Store) onWorker(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if s.workers == nil {
		return fn(ctx)
	}
	wid, err := s.workers.AcquireWorker(ctx)
	if err != nil {
		return fn(ctx)
	}
	defer s.workers.ReleaseWorker(wid)
	return s.workers.Exec(ctx, wid, func(ctx context.Context, _ map[string]any) (any, error) {
		return fn(ctx)
	})
}

// validRel mirrors ensureEdge's identifier rule for read-side callers.
func validRel(rel string) bool {
	return query.ValidIdent(rel)
}
