// Package graph is the Dgraph DAO adapter. Entity fields map onto
// predicates named {collection}.{field} so models share one graph without
// colliding; lists and maps ride in JSON-string predicates; relations are
// [uid] predicates with @reverse, created through Link. Typed queries
// translate to DQL func/filter trees, and the traversal operations (k-hop,
// shortest path, connected components, degree) run native DQL where the
// server has an operator and in-process walks where it does not.
//
// Layout:
//   - graph.go: Store, constructor, lifecycle, schema synthesis
//   - encode.go: entity <-> prefixed-predicate translation
//   - query.go: typed query -> DQL filter translation
//   - crud.go: DAO operations
//   - traverse.go: graph operations and the worker-pool checkout
//   - admin.go: raw passthrough and introspection
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/workerpool"
)

// Options tunes a graph store beyond what the binding carries.
type Options struct {
	// Workers, when set, hosts traversal work on checked-out workers.
	Workers *workerpool.Pool
}

// Store is the Dgraph-backed DAO for one model.
type Store struct {
	desc    *model.Descriptor
	binding model.Binding
	name    string
	prefix  string
	workers *workerpool.Pool

	conn *grpc.ClientConn
	dg   *dgo.Dgraph

	mu    sync.Mutex
	edges map[string]bool
}

var _ storage.DAO = (*Store)(nil)

// New builds a disconnected store. The collection path becomes the
// predicate prefix and the type name, so it must be a safe identifier.
func New(desc *model.Descriptor, binding model.NamedBinding, opts Options) (*Store, error) {
	if !query.ValidIdent(desc.Path) {
		return nil, fmt.Errorf("binding %q: collection %q: %w", binding.Name, desc.Path, storage.ErrConfiguration)
	}
	return &Store{
		desc:    desc,
		binding: binding.Binding,
		name:    binding.Name,
		prefix:  desc.Path,
		workers: opts.Workers,
		edges:   make(map[string]bool),
	}, nil
}

func (s *Store) Kind() model.Kind         { return model.KindGraph }
func (s *Store) Model() *model.Descriptor { return s.desc }

// typeName is the dgraph.type discriminator for this model.
func (s *Store) typeName() string { return s.desc.Name }

// pred returns the namespaced predicate for a field.
func (s *Store) pred(field string) string { return s.prefix + "." + field }

// Connect dials the alpha over gRPC and applies the synthesized schema.
// A schema alter that fails on a live cluster is logged rather than
// fatal, since a matching schema from an earlier run serves reads and
// writes just as well.
func (s *Store) Connect(ctx context.Context) error {
	if s.dg != nil {
		return nil
	}
	target := model.ConnString(s.binding)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("graph %s: dial %s: %v: %w", s.name, target, err, storage.ErrConnection)
	}
	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	if err := dg.Alter(ctx, &api.Operation{Schema: s.schema()}); err != nil {
		debug.Logf("graph %s: schema alter: %v", s.name, err)
	}
	s.conn = conn
	s.dg = dg
	if err := s.discoverEdges(ctx); err != nil {
		debug.Logf("graph %s: edge discovery: %v", s.name, err)
	}
	return nil
}

// discoverEdges reads the live schema and records this collection's uid
// predicates, so traversals see relations declared by earlier runs.
func (s *Store) discoverEdges(ctx context.Context) error {
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, "schema {}")
	if err != nil {
		return err
	}
	var parsed struct {
		Schema []struct {
			Predicate string `json:"predicate"`
			Type      string `json:"type"`
		} `json:"schema"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return err
	}
	dot := s.prefix + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parsed.Schema {
		if p.Type == "uid" && strings.HasPrefix(p.Predicate, dot) {
			s.edges[strings.TrimPrefix(p.Predicate, dot)] = true
		}
	}
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.dg = nil
	return err
}

// Ping runs a one-row read so reachability reflects the query path, not
// just the channel state.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.dg.NewReadOnlyTxn().Query(ctx, "{ ping(func: uid(0x1)) { uid } }")
	return s.wrap("ping", err)
}

func (s *Store) check() error {
	if s.dg == nil {
		return fmt.Errorf("graph %s: not connected: %w", s.name, storage.ErrConnection)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := storage.ErrorKind(err); kind != "storage" {
		return err
	}
	switch {
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "transport"),
		strings.Contains(err.Error(), "Unavailable"):
		return fmt.Errorf("%s %s: %v: %w", op, s.prefix, err, storage.ErrConnection)
	case strings.Contains(err.Error(), "Aborted"),
		strings.Contains(err.Error(), "conflict"):
		return fmt.Errorf("%s %s: %v: %w", op, s.prefix, err, storage.ErrTransaction)
	case strings.Contains(err.Error(), "strconv"),
		strings.Contains(err.Error(), "parsing"),
		strings.Contains(err.Error(), "invalid"):
		return fmt.Errorf("%s %s: %v: %w", op, s.prefix, err, storage.ErrQuery)
	case strings.Contains(err.Error(), "DeadlineExceeded"),
		strings.Contains(err.Error(), "context deadline"):
		return fmt.Errorf("%s %s: %w", op, s.prefix, storage.ErrTimeout)
	}
	return fmt.Errorf("%s %s: %v: %w", op, s.prefix, err, storage.ErrStorage)
}

// schema renders the predicate declarations and the type block for the
// model. Every field becomes {collection}.{field} with a dgraph type;
// declared text indexes become fulltext, hash indexes become exact, the
// id predicate is always exact, and booleans are never indexed.
func (s *Store) schema() string {
	idx := make(map[string]model.IndexKind, len(s.desc.Indexes))
	for _, ix := range s.desc.Indexes {
		idx[ix.Field] = ix.Kind
	}

	var b strings.Builder
	var typeFields []string

	writePred := func(field, dtype, directives string) {
		p := s.pred(field)
		fmt.Fprintf(&b, "%s: %s%s .\n", p, dtype, directives)
		typeFields = append(typeFields, p)
	}

	writePred(s.desc.IDField, "string", " @index(exact)")
	writePred(types.FieldCreatedAt, "datetime", "")
	writePred(types.FieldUpdatedAt, "datetime", "")
	seen := map[string]bool{
		s.desc.IDField:       true,
		types.FieldCreatedAt: true,
		types.FieldUpdatedAt: true,
	}
	if s.desc.Secured {
		for _, field := range []string{types.FieldOwnerID, types.FieldCreatedBy, types.FieldModifiedBy, types.FieldGraphID} {
			writePred(field, "string", " @index(exact)")
			seen[field] = true
		}
	}
	for _, f := range s.desc.Fields {
		if seen[f.Name] || !query.ValidIdent(f.Name) {
			continue
		}
		seen[f.Name] = true
		dtype := dgraphType(f.Type)
		writePred(f.Name, dtype, indexDirective(dtype, idx[f.Name]))
	}
	// Declared indexes on fields with no declaration still need their
	// predicate so the directive has somewhere to live.
	var rest []string
	for field := range idx {
		if !seen[field] && query.ValidIdent(field) {
			rest = append(rest, field)
		}
	}
	sort.Strings(rest)
	for _, field := range rest {
		writePred(field, "string", indexDirective("string", idx[field]))
	}

	fmt.Fprintf(&b, "\ntype %s {\n", s.typeName())
	for _, p := range typeFields {
		fmt.Fprintf(&b, "  %s\n", p)
	}
	b.WriteString("}\n")
	return b.String()
}

// dgraphType maps a declared field type onto a dgraph scalar. Lists and
// maps are stored as JSON strings, so they declare as string.
func dgraphType(t model.FieldType) string {
	switch t {
	case model.FieldInt:
		return "int"
	case model.FieldFloat:
		return "float"
	case model.FieldBool:
		return "bool"
	case model.FieldDatetime:
		return "datetime"
	default:
		return "string"
	}
}

func indexDirective(dtype string, kind model.IndexKind) string {
	if dtype == "bool" {
		return ""
	}
	switch kind {
	case model.IndexText, model.IndexFulltext:
		if dtype == "string" {
			return " @index(fulltext)"
		}
		return " @index(" + rangeToken(dtype) + ")"
	case model.IndexHash, model.IndexExact:
		if dtype == "string" {
			return " @index(exact)"
		}
		return " @index(" + rangeToken(dtype) + ")"
	}
	return ""
}

// rangeToken is the index tokenizer for non-string scalars.
func rangeToken(dtype string) string {
	switch dtype {
	case "datetime":
		return "hour"
	default:
		return dtype
	}
}

// edgeSchema declares one relation predicate. Reverse edges stay on so
// in-degree and undirected walks work.
func (s *Store) edgeSchema(rel string) string {
	return fmt.Sprintf("%s: [uid] @reverse .\n", s.pred(rel))
}

// ensureEdge lazily declares a relation predicate the first time it is
// used, then remembers it for traversal queries.
func (s *Store) ensureEdge(ctx context.Context, rel string) error {
	if !query.ValidIdent(rel) {
		return fmt.Errorf("relation %q: %w", rel, storage.ErrValidation)
	}
	s.mu.Lock()
	known := s.edges[rel]
	s.mu.Unlock()
	if known {
		return nil
	}
	if err := s.dg.Alter(ctx, &api.Operation{Schema: s.edgeSchema(rel)}); err != nil {
		return s.wrap("declare relation on", err)
	}
	s.mu.Lock()
	s.edges[rel] = true
	s.mu.Unlock()
	return nil
}

// edgePreds snapshots the known relation predicates, prefixed, sorted.
func (s *Store) edgePreds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.edges))
	for rel := range s.edges {
		out = append(out, s.pred(rel))
	}
	sort.Strings(out)
	return out
}
