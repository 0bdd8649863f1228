package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/dgo/v240/protos/api"

	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// CreateIndexes re-applies the synthesized schema plus every known
// relation predicate. Alter is idempotent on a matching schema.
func (s *Store) CreateIndexes(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	schema := s.schema()
	for _, p := range s.edgePreds() {
		schema += fmt.Sprintf("%s: [uid] @reverse .\n", p)
	}
	if err := s.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return s.wrap("create indexes for", err)
	}
	return nil
}

// RawRead runs a DQL query. Parameters bind as GraphQL variables: either a
// single map of name to value, or alternating name, value pairs; names
// carry their $ prefix. Each object of every result block becomes one row,
// tagged with the block name under "_block".
func (s *Store) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	vars, err := rawVars(params)
	if err != nil {
		return nil, err
	}
	txn := s.dg.NewReadOnlyTxn()
	var resp *api.Response
	if len(vars) == 0 {
		resp, err = txn.Query(ctx, text)
	} else {
		resp, err = txn.QueryWithVars(ctx, text, vars)
	}
	if err != nil {
		return nil, s.wrap("raw read", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, fmt.Errorf("raw read: decode response: %v: %w", err, storage.ErrStorage)
	}
	blocks := make([]string, 0, len(parsed))
	for name := range parsed {
		blocks = append(blocks, name)
	}
	sort.Strings(blocks)
	var rows []map[string]any
	for _, name := range blocks {
		list, ok := parsed[name].([]any)
		if !ok {
			rows = append(rows, map[string]any{"_block": name, "value": parsed[name]})
			continue
		}
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				row := make(map[string]any, len(m)+1)
				for k, v := range m {
					row[k] = v
				}
				row["_block"] = name
				rows = append(rows, row)
			} else {
				rows = append(rows, map[string]any{"_block": name, "value": item})
			}
		}
	}
	return rows, nil
}

func rawVars(params []any) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	if len(params) == 1 {
		switch m := params[0].(type) {
		case map[string]string:
			return m, nil
		case map[string]any:
			out := make(map[string]string, len(m))
			for k, v := range m {
				out[k] = fmt.Sprintf("%v", v)
			}
			return out, nil
		}
	}
	if len(params)%2 != 0 {
		return nil, fmt.Errorf("graph parameters must be a map or name, value pairs: %w", storage.ErrQuery)
	}
	out := make(map[string]string, len(params)/2)
	for i := 0; i < len(params); i += 2 {
		name, ok := params[i].(string)
		if !ok || !strings.HasPrefix(name, "$") {
			return nil, fmt.Errorf("graph parameter name %v must be a $-prefixed string: %w", params[i], storage.ErrQuery)
		}
		out[name] = fmt.Sprintf("%v", params[i+1])
	}
	return out, nil
}

// RawWrite runs a native JSON mutation. The text is a JSON document: an
// object with top-level "set" and/or "delete" lists, or a bare object or
// list treated as a set. Mutations carry their values inline, so bound
// parameters are rejected rather than silently dropped. Returns the number
// of nodes the server assigned, or 1 for a pure update.
func (s *Store) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if len(params) > 0 {
		return 0, fmt.Errorf("graph mutations take no bound parameters: %w", storage.ErrQuery)
	}
	var probe map[string]json.RawMessage
	mu := &api.Mutation{CommitNow: true}
	if err := json.Unmarshal([]byte(text), &probe); err == nil {
		if set, ok := probe["set"]; ok {
			mu.SetJson = set
		}
		if del, ok := probe["delete"]; ok {
			mu.DeleteJson = del
		}
	}
	if mu.SetJson == nil && mu.DeleteJson == nil {
		if !json.Valid([]byte(text)) {
			return 0, fmt.Errorf("raw write: not a JSON mutation: %w", storage.ErrQuery)
		}
		mu.SetJson = []byte(text)
	}
	resp, err := s.dg.NewTxn().Mutate(ctx, mu)
	if err != nil {
		return 0, s.wrap("raw write", err)
	}
	if n := len(resp.Uids); n > 0 {
		return int64(n), nil
	}
	return 1, nil
}

func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{"default"}, nil
}

// ListSchemas returns this model's predicate names from the live schema.
func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	preds, _, err := s.liveSchema(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(preds))
	for _, p := range preds {
		out = append(out, p.Predicate)
	}
	sort.Strings(out)
	return out, nil
}

// ListModels returns the node types declared on the server, the graph's
// equivalent of tables.
func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	_, typeNames, err := s.liveSchema(ctx)
	if err != nil {
		return nil, err
	}
	if len(typeNames) == 0 {
		return []string{s.typeName()}, nil
	}
	sort.Strings(typeNames)
	return typeNames, nil
}

func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	preds, _, err := s.liveSchema(ctx)
	if err != nil {
		return nil, err
	}
	info := &storage.ModelInfo{
		Name: s.desc.Name,
		Path: s.desc.Path,
		Kind: s.Kind(),
		Options: map[string]any{
			"type":      s.typeName(),
			"relations": s.edgePreds(),
		},
	}
	info.Fields = append(info.Fields, storage.FieldInfo{Name: types.FieldID, Type: "string"})
	for _, f := range s.desc.Fields {
		info.Fields = append(info.Fields, storage.FieldInfo{
			Name:     f.Name,
			Type:     string(f.Type),
			Nullable: !f.Required,
		})
	}
	for _, p := range preds {
		if p.Index {
			info.Indexes = append(info.Indexes, fmt.Sprintf("%s(%s)", p.Predicate, strings.Join(p.Tokenizer, ",")))
		}
	}
	sort.Strings(info.Indexes)
	return info, nil
}

type livePred struct {
	Predicate string   `json:"predicate"`
	Type      string   `json:"type"`
	Index     bool     `json:"index"`
	Tokenizer []string `json:"tokenizer"`
}

// liveSchema reads the server schema, returning this collection's
// predicates and every declared type name.
func (s *Store) liveSchema(ctx context.Context) ([]livePred, []string, error) {
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, "schema {}")
	if err != nil {
		return nil, nil, s.wrap("introspect", err)
	}
	var parsed struct {
		Schema []livePred `json:"schema"`
		Types  []struct {
			Name string `json:"name"`
		} `json:"types"`
	}
	if err := json.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, nil, fmt.Errorf("introspect: decode schema: %v: %w", err, storage.ErrStorage)
	}
	dot := s.prefix + "."
	var preds []livePred
	for _, p := range parsed.Schema {
		if strings.HasPrefix(p.Predicate, dot) {
			preds = append(preds, p)
		}
	}
	var typeNames []string
	for _, t := range parsed.Types {
		if !strings.HasPrefix(t.Name, "dgraph.") {
			typeNames = append(typeNames, t.Name)
		}
	}
	return preds, typeNames, nil
}
