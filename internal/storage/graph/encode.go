package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// encode renders the entity as a mutation object: prefixed predicates,
// the dgraph.type discriminator, and lists and maps serialized to JSON
// strings since predicates hold scalars.
func (s *Store) encode(e *types.Entity) (map[string]any, error) {
	doc := e.Document()
	out := make(map[string]any, len(doc)+2)
	out["dgraph.type"] = s.typeName()
	for k, v := range doc {
		if !query.ValidIdent(k) {
			debug.Logf("graph: field %q is not a valid predicate name, dropping it", k)
			continue
		}
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s field %q: %v: %w", s.desc.Name, k, err, storage.ErrValidation)
		}
		out[s.pred(k)] = ev
	}
	return out, nil
}

func encodeValue(v any) (any, error) {
	switch v.(type) {
	case []any, map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
	return v, nil
}

// decode rebuilds a document from one DQL result object: predicates are
// unprefixed, JSON-string values are parsed back into structures, and
// expanded edge references are dropped since they are topology, not
// fields. The node's uid is returned alongside.
func (s *Store) decode(raw map[string]any) (doc map[string]any, uid string) {
	doc = make(map[string]any, len(raw))
	dot := s.prefix + "."
	for k, v := range raw {
		switch {
		case k == "uid":
			uid, _ = v.(string)
			continue
		case k == "dgraph.type":
			continue
		case !strings.HasPrefix(k, dot):
			continue
		}
		field := strings.TrimPrefix(k, dot)
		if isEdgeRef(v) {
			continue
		}
		if sv, ok := v.(string); ok {
			if parsed, ok := decodeJSONField(sv); ok {
				doc[field] = parsed
				continue
			}
		}
		doc[field] = v
	}
	return doc, uid
}

// entity hydrates a result object. Nodes written without an id predicate
// fall back to their uid so every entity stays addressable.
func (s *Store) entity(raw map[string]any) *types.Entity {
	doc, uid := s.decode(raw)
	e := types.FromDocument(doc)
	if e.ID == "" {
		e.ID = uid
	}
	return e
}

// decodeJSONField parses a stored JSON string, unwrapping one level of
// double encoding from writers that marshaled an already-marshaled value.
func decodeJSONField(sv string) (any, bool) {
	t := strings.TrimSpace(sv)
	if strings.HasPrefix(t, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(t), &inner); err != nil {
			return nil, false
		}
		t = strings.TrimSpace(inner)
	}
	if !strings.HasPrefix(t, "[") && !strings.HasPrefix(t, "{") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(t), &v); err != nil {
		return nil, false
	}
	return v, true
}

// isEdgeRef reports whether a decoded value is an expanded uid reference:
// a {uid: ...} object or a list of them.
func isEdgeRef(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		_, ok := t["uid"]
		return ok && len(t) == 1
	case []any:
		if len(t) == 0 {
			return false
		}
		for _, elem := range t {
			m, ok := elem.(map[string]any)
			if !ok {
				return false
			}
			if _, ok := m["uid"]; !ok || len(m) != 1 {
				return false
			}
		}
		return true
	}
	return false
}

