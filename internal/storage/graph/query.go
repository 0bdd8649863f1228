package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/types"
)

// uidRe accepts the native node handles Dgraph assigns. Anything failing it
// is treated as a stored entity id and resolved through the id predicate.
var uidRe = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// IsUID reports whether id is a native graph handle rather than a stored
// entity id.
func IsUID(id string) bool { return uidRe.MatchString(id) }

// dqlVars accumulates GraphQL variable bindings for one query. Values never
// splice into query text; they ride the vars map with a declared type.
type dqlVars struct {
	decls []string
	vals  map[string]string
}

func newVars() *dqlVars {
	return &dqlVars{vals: make(map[string]string)}
}

// bind registers one value and returns its variable name. Values outside
// the GraphQL scalar set are not bindable.
func (b *dqlVars) bind(v any) (string, bool) {
	name := "$v" + strconv.Itoa(len(b.vals)+1)
	switch t := v.(type) {
	case string:
		b.add(name, "string", t)
	case bool:
		b.add(name, "bool", strconv.FormatBool(t))
	case time.Time:
		b.add(name, "string", t.UTC().Format(time.RFC3339Nano))
	default:
		f, ok := toFloat(v)
		if !ok {
			return "", false
		}
		if f == float64(int64(f)) {
			b.add(name, "int", strconv.FormatInt(int64(f), 10))
		} else {
			b.add(name, "float", strconv.FormatFloat(f, 'g', -1, 64))
		}
	}
	return name, true
}

func (b *dqlVars) add(name, typ, val string) {
	b.decls = append(b.decls, name+": "+typ)
	b.vals[name] = val
}

// header renders the query prologue. With no bindings the query is plain
// and runs without a vars map.
func (b *dqlVars) header() string {
	if len(b.decls) == 0 {
		return ""
	}
	return "query q(" + strings.Join(b.decls, ", ") + ") "
}

// narrow renders a DQL filter matching a superset of the nodes q accepts.
// Scalar terms on server-comparable fields translate; dotted paths, regex,
// and fields living in JSON-string predicates return an empty filter and
// leave the work to the in-process matcher. False positives cost one Match
// call, false negatives would drop nodes, so every translation errs wide.
func (s *Store) narrow(q query.Query, vars *dqlVars) string {
	switch t := q.(type) {
	case query.Eq:
		if !s.comparable(t.Field) {
			return ""
		}
		pred := s.pred(t.Field)
		if t.Value == nil {
			return "(NOT has(" + pred + "))"
		}
		v, ok := vars.bind(t.Value)
		if !ok {
			return ""
		}
		return "eq(" + pred + ", " + v + ")"
	case query.Cmp:
		return s.narrowCmp(t, vars)
	case query.In:
		return s.narrowIn(t, vars)
	case query.And:
		var parts []string
		for _, term := range t.Terms {
			if expr := s.narrow(term, vars); expr != "" {
				parts = append(parts, expr)
			}
		}
		return joinFilter(parts, " AND ")
	case query.Or:
		if len(t.Terms) == 0 {
			return ""
		}
		var parts []string
		for _, term := range t.Terms {
			expr := s.narrow(term, vars)
			if expr == "" {
				// One unconstrained branch widens the whole disjunction.
				return ""
			}
			parts = append(parts, expr)
		}
		return joinFilter(parts, " OR ")
	}
	return ""
}

func (s *Store) narrowCmp(t query.Cmp, vars *dqlVars) string {
	if !s.comparable(t.Field) {
		return ""
	}
	pred := s.pred(t.Field)
	if t.Op == query.OpNe {
		if t.Value == nil {
			return "has(" + pred + ")"
		}
		v, ok := vars.bind(t.Value)
		if !ok {
			return ""
		}
		return "(NOT eq(" + pred + ", " + v + "))"
	}
	fn, ok := dqlCmp[t.Op]
	if !ok || t.Value == nil {
		return ""
	}
	v, ok := vars.bind(t.Value)
	if !ok {
		return ""
	}
	return fn + "(" + pred + ", " + v + ")"
}

func (s *Store) narrowIn(t query.In, vars *dqlVars) string {
	if len(t.Values) == 0 || !s.comparable(t.Field) {
		return ""
	}
	pred := s.pred(t.Field)
	var parts []string
	for _, v := range t.Values {
		if v == nil {
			parts = append(parts, "(NOT has("+pred+"))")
			continue
		}
		name, ok := vars.bind(v)
		if !ok {
			return ""
		}
		parts = append(parts, "eq("+pred+", "+name+")")
	}
	return joinFilter(parts, " OR ")
}

var dqlCmp = map[query.CmpOp]string{
	query.OpGt:  "gt",
	query.OpGte: "ge",
	query.OpLt:  "lt",
	query.OpLte: "le",
}

// comparable reports whether a field is safe to compare server-side: the id
// field, the engine-stamped scalars, or a field declared with a scalar
// type. Lists and maps ride in JSON-string predicates where eq sees the
// serialized text, and undeclared fields have unknown shape, so both stay
// with the matcher.
func (s *Store) comparable(field string) bool {
	if strings.Contains(field, ".") || !query.ValidIdent(field) {
		return false
	}
	switch field {
	case s.desc.IDField, types.FieldCreatedAt, types.FieldUpdatedAt,
		types.FieldOwnerID, types.FieldCreatedBy, types.FieldModifiedBy,
		types.FieldGraphID:
		return true
	}
	f, ok := s.desc.FieldNamed(field)
	if !ok {
		return false
	}
	switch f.Type {
	case model.FieldString, model.FieldInt, model.FieldFloat,
		model.FieldBool, model.FieldDatetime:
		return true
	}
	return false
}

func joinFilter(parts []string, sep string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTimeValue(v any) (string, bool) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}

// resultsQuery renders the standard read shape: all nodes of this model's
// type, optionally filtered, each expanded to its scalar predicates.
func (s *Store) resultsQuery(filter string, vars *dqlVars) string {
	var b strings.Builder
	b.WriteString(vars.header())
	b.WriteString("{\n  results(func: type(")
	b.WriteString(s.typeName())
	b.WriteString("))")
	if filter != "" {
		b.WriteString(" @filter(")
		b.WriteString(filter)
		b.WriteString(")")
	}
	b.WriteString(" {\n    uid\n    expand(_all_)\n  }\n}")
	return b.String()
}

// countQuery renders the aggregate form of resultsQuery.
func (s *Store) countQuery(filter string, vars *dqlVars) string {
	var b strings.Builder
	b.WriteString(vars.header())
	b.WriteString("{\n  results(func: type(")
	b.WriteString(s.typeName())
	b.WriteString("))")
	if filter != "" {
		b.WriteString(" @filter(")
		b.WriteString(filter)
		b.WriteString(")")
	}
	b.WriteString(" {\n    total: count(uid)\n  }\n}")
	return b.String()
}

// byIDQuery looks one node up through the exact index on the id predicate.
func (s *Store) byIDQuery() (string, string) {
	q := fmt.Sprintf(`query q($id: string) {
  results(func: eq(%s, $id), first: 1) @filter(type(%s)) {
    uid
    expand(_all_)
  }
}`, s.pred(s.desc.IDField), s.typeName())
	return q, "$id"
}

// byUIDQuery reads one node by native handle. The uid is validated by the
// caller and inlined, since uid() takes no variables.
func (s *Store) byUIDQuery(uid string) string {
	return fmt.Sprintf(`{
  results(func: uid(%s)) @filter(type(%s)) {
    uid
    expand(_all_)
  }
}`, uid, s.typeName())
}
