// Package query defines the typed query model shared by every backend
// adapter, plus parsing from and serialization to the uniform wire dialect
// ($eq, $ne, $gt, $gte, $lt, $lte, $in, $regex, $and, $or).
//
// Adapters type-switch over the closed Query union and translate each node
// to their native language; Match evaluates a query in memory for backends
// without a native query engine and for post-filtering.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Query is a closed union: Eq, Cmp, In, Regex, And, Or.
type Query interface {
	isQuery()
	// Map serializes the node back to the wire dialect.
	Map() map[string]any
}

// Eq matches a field equal to a value. A nil value matches absent or null.
type Eq struct {
	Field string
	Value any
}

// CmpOp is a non-equality comparison operator in wire spelling.
type CmpOp string

const (
	OpNe  CmpOp = "$ne"
	OpGt  CmpOp = "$gt"
	OpGte CmpOp = "$gte"
	OpLt  CmpOp = "$lt"
	OpLte CmpOp = "$lte"
)

// Cmp matches a field against a value with a comparison operator.
type Cmp struct {
	Op    CmpOp
	Field string
	Value any
}

// In matches a field equal to any of the listed values.
type In struct {
	Field  string
	Values []any
}

// Regex matches a string field against an uncompiled pattern.
type Regex struct {
	Field   string
	Pattern string
}

// And matches when every term matches. An empty And matches everything.
type And struct {
	Terms []Query
}

// Or matches when at least one term matches. An empty Or matches nothing.
type Or struct {
	Terms []Query
}

func (Eq) isQuery()    {}
func (Cmp) isQuery()   {}
func (In) isQuery()    {}
func (Regex) isQuery() {}
func (And) isQuery()   {}
func (Or) isQuery()    {}

// All returns a query matching every record.
func All() Query { return And{} }

// IsAll reports whether q matches unconditionally.
func IsAll(q Query) bool {
	a, ok := q.(And)
	return q == nil || (ok && len(a.Terms) == 0)
}

func (q Eq) Map() map[string]any { return map[string]any{q.Field: q.Value} }

func (q Cmp) Map() map[string]any {
	return map[string]any{q.Field: map[string]any{string(q.Op): q.Value}}
}

func (q In) Map() map[string]any {
	return map[string]any{q.Field: map[string]any{"$in": append([]any(nil), q.Values...)}}
}

func (q Regex) Map() map[string]any {
	return map[string]any{q.Field: map[string]any{"$regex": q.Pattern}}
}

func (q And) Map() map[string]any {
	if len(q.Terms) == 0 {
		return map[string]any{}
	}
	terms := make([]any, len(q.Terms))
	for i, t := range q.Terms {
		terms[i] = t.Map()
	}
	return map[string]any{"$and": terms}
}

func (q Or) Map() map[string]any {
	terms := make([]any, len(q.Terms))
	for i, t := range q.Terms {
		terms[i] = t.Map()
	}
	return map[string]any{"$or": terms}
}

// Parse converts a wire-dialect map into the typed union. Field order in the
// source map is not significant; multi-key maps parse to And with the keys
// in sorted order so generated backend queries are deterministic.
func Parse(m map[string]any) (Query, error) {
	if len(m) == 0 {
		return And{}, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]Query, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		switch k {
		case "$and", "$or":
			subs, err := parseList(k, v)
			if err != nil {
				return nil, err
			}
			if k == "$and" {
				terms = append(terms, And{Terms: subs})
			} else {
				terms = append(terms, Or{Terms: subs})
			}
		default:
			if strings.HasPrefix(k, "$") {
				return nil, fmt.Errorf("unknown top-level operator %q", k)
			}
			fieldTerms, err := parseField(k, v)
			if err != nil {
				return nil, err
			}
			terms = append(terms, fieldTerms...)
		}
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return And{Terms: terms}, nil
}

func parseList(op string, v any) ([]Query, error) {
	items, ok := toAnySlice(v)
	if !ok {
		return nil, fmt.Errorf("%s takes a list of sub-queries, got %T", op, v)
	}
	subs := make([]Query, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want a query map", op, i, item)
		}
		sub, err := Parse(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseField(field string, v any) ([]Query, error) {
	ops, ok := v.(map[string]any)
	if !ok || !hasOperatorKey(ops) {
		return []Query{Eq{Field: field, Value: v}}, nil
	}
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]Query, 0, len(keys))
	for _, op := range keys {
		val := ops[op]
		switch op {
		case "$eq":
			terms = append(terms, Eq{Field: field, Value: val})
		case "$ne", "$gt", "$gte", "$lt", "$lte":
			terms = append(terms, Cmp{Op: CmpOp(op), Field: field, Value: val})
		case "$in":
			items, ok := toAnySlice(val)
			if !ok {
				return nil, fmt.Errorf("%s.$in takes a list, got %T", field, val)
			}
			terms = append(terms, In{Field: field, Values: items})
		case "$regex":
			pat, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s.$regex takes a string, got %T", field, val)
			}
			terms = append(terms, Regex{Field: field, Pattern: pat})
		default:
			return nil, fmt.Errorf("unknown operator %q on field %q", op, field)
		}
	}
	return terms, nil
}

func hasOperatorKey(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func toAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// Fields returns every field name referenced by q, deduplicated, in first-
// appearance order.
func Fields(q Query) []string {
	seen := map[string]bool{}
	var out []string
	walkFields(q, func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	})
	return out
}

func walkFields(q Query, fn func(string)) {
	switch t := q.(type) {
	case Eq:
		fn(t.Field)
	case Cmp:
		fn(t.Field)
	case In:
		fn(t.Field)
	case Regex:
		fn(t.Field)
	case And:
		for _, s := range t.Terms {
			walkFields(s, fn)
		}
	case Or:
		for _, s := range t.Terms {
			walkFields(s, fn)
		}
	}
}

// Validate checks every referenced field against the identifier rule.
// Dotted paths are validated per segment.
func Validate(q Query) error {
	var err error
	walkFields(q, func(f string) {
		if err != nil {
			return
		}
		for _, seg := range strings.Split(f, ".") {
			if e := CheckIdent(seg); e != nil {
				err = e
				return
			}
		}
	})
	return err
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s is safe to splice into a backend query as an
// identifier. Values never go through this path; they are always bound.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// CheckIdent returns a descriptive error for identifiers failing ValidIdent.
func CheckIdent(s string) error {
	if !ValidIdent(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}
