package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
)

var sqlOps = map[query.CmpOp]string{
	query.OpGt:  ">",
	query.OpGte: ">=",
	query.OpLt:  "<",
	query.OpLte: "<=",
}

// translate renders q over the live column set, refreshing the cache once
// when the query names a column this store has not seen yet.
func (s *Store) translate(ctx context.Context, q query.Query) (string, []any, error) {
	cols := s.columns()
	if s.pool != nil && referencesUnknown(q, cols) {
		if err := s.refreshColumns(ctx); err == nil {
			cols = s.columns()
		}
	}
	return translateQuery(q, cols)
}

func referencesUnknown(q query.Query, cols map[string]colInfo) bool {
	for _, f := range query.Fields(q) {
		head := f
		if i := strings.IndexByte(f, '.'); i >= 0 {
			head = f[:i]
		}
		if metaKeys[head] || strings.HasPrefix(head, "_") {
			continue
		}
		if _, ok := cols[head]; !ok {
			return true
		}
	}
	return false
}

// translateQuery renders a query as a SQL boolean expression. Fields with
// a typed column compare natively; everything else extracts from the
// _metadata document the way the jsonb adapters read their data column.
// An all-match query renders as the empty string.
func translateQuery(q query.Query, cols map[string]colInfo) (string, []any, error) {
	if query.IsAll(q) {
		return "", nil, nil
	}
	b := &builder{cols: cols}
	expr, err := b.term(q)
	if err != nil {
		return "", nil, err
	}
	return expr, b.args, nil
}

type builder struct {
	cols map[string]colInfo
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// ref is a resolved filter field.
type ref struct {
	// native: a typed column compared directly.
	native bool
	col    string
	typ    string

	// extraction: a jsonb path. base is a quoted jsonb column or
	// "_metadata"; segs the path under it. baseIsField marks the case
	// where base itself is the document field (a jsonb user column).
	base        string
	segs        []string
	baseIsField bool

	// missing: a dotted path under a scalar column. Renders as NULL, so
	// the null-matching rules of the in-memory evaluator fall out of SQL
	// three-valued logic.
	missing bool
}

func (b *builder) resolve(field string) (ref, error) {
	segs := strings.Split(field, ".")
	for _, seg := range segs {
		if err := query.CheckIdent(seg); err != nil {
			return ref{}, fmt.Errorf("%v: %w", err, storage.ErrQuery)
		}
	}
	head := segs[0]
	info, isCol := b.cols[head]
	switch {
	case isCol && info.typ == typeJSONB:
		return ref{base: pgx.Identifier{head}.Sanitize(), segs: segs[1:], baseIsField: true}, nil
	case isCol && len(segs) == 1:
		return ref{native: true, col: pgx.Identifier{head}.Sanitize(), typ: info.typ}, nil
	case isCol:
		return ref{missing: true}, nil
	}
	return ref{base: `"_metadata"`, segs: segs}, nil
}

// textExpr extracts the field as text. For jsonb scalars #>> '{}' unwraps
// the value; NULL stands in for unresolvable paths.
func (r ref) textExpr() string {
	switch {
	case r.missing:
		return "NULL"
	case r.native:
		return r.col
	case len(r.segs) == 0:
		return r.base + " #>> '{}'"
	case len(r.segs) == 1:
		return r.base + "->>'" + r.segs[0] + "'"
	}
	return r.base + "#>>'{" + strings.Join(r.segs, ",") + "}'"
}

// jsonExpr extracts the field as jsonb.
func (r ref) jsonExpr() string {
	switch {
	case r.missing:
		return "NULL"
	case r.native:
		return r.col
	case len(r.segs) == 0:
		return r.base
	case len(r.segs) == 1:
		return r.base + "->'" + r.segs[0] + "'"
	}
	return r.base + "#>'{" + strings.Join(r.segs, ",") + "}'"
}

// listPivot is where a stored list would sit for element containment: the
// document field's own value. Empty when containment does not apply.
func (r ref) listPivot() (string, []string) {
	switch {
	case r.missing || r.native:
		return "", nil
	case r.baseIsField || len(r.segs) == 0:
		return r.base, r.segs
	}
	return r.base + "->'" + r.segs[0] + "'", r.segs[1:]
}

func (b *builder) term(q query.Query) (string, error) {
	switch t := q.(type) {
	case query.Eq:
		return b.equal(t.Field, t.Value)
	case query.Cmp:
		if t.Op == query.OpNe {
			return b.notEqual(t.Field, t.Value)
		}
		op, ok := sqlOps[t.Op]
		if !ok {
			return "", fmt.Errorf("operator %q: %w", t.Op, storage.ErrQuery)
		}
		return b.compare(op, t.Field, t.Value)
	case query.In:
		return b.in(t.Field, t.Values)
	case query.Regex:
		return b.regex(t.Field, t.Pattern)
	case query.And:
		return b.join(" AND ", t.Terms, "TRUE")
	case query.Or:
		return b.join(" OR ", t.Terms, "FALSE")
	}
	return "", fmt.Errorf("unsupported query node %T: %w", q, storage.ErrQuery)
}

func (b *builder) equal(field string, value any) (string, error) {
	r, err := b.resolve(field)
	if err != nil {
		return "", err
	}
	if value == nil {
		return r.textExpr() + " IS NULL", nil
	}
	if r.native {
		v, err := bindValue(r.typ, value)
		if err != nil {
			return "", fmt.Errorf("field %q: %v: %w", field, err, storage.ErrQuery)
		}
		return r.col + " = " + b.bind(v), nil
	}
	if s, ok := value.(string); ok {
		head := r.textExpr() + " = " + b.bind(s)
		arm, err := b.element(r, s)
		if err != nil {
			return "", err
		}
		if arm != "" {
			return "(" + head + " OR " + arm + ")", nil
		}
		return head, nil
	}
	return b.extracted("=", r, field, value)
}

// element renders jsonb containment of [value] at the field's list pivot,
// matching single-level list flattening in the in-memory evaluator.
func (b *builder) element(r ref, value any) (string, error) {
	pivot, rest := r.listPivot()
	if pivot == "" {
		return "", nil
	}
	inner := value
	for i := len(rest) - 1; i >= 0; i-- {
		inner = map[string]any{rest[i]: inner}
	}
	raw, err := json.Marshal([]any{inner})
	if err != nil {
		return "", fmt.Errorf("containment value not serializable: %v: %w", err, storage.ErrQuery)
	}
	return pivot + " @> " + b.bind(string(raw)) + "::jsonb", nil
}

// extracted compares a jsonb extraction against a scalar, casting the text
// to match the value's type.
func (b *builder) extracted(op string, r ref, field string, value any) (string, error) {
	expr := r.textExpr()
	switch v := value.(type) {
	case bool:
		return "(" + expr + ")::boolean " + op + " " + b.bind(v), nil
	case string:
		return expr + " " + op + " " + b.bind(v), nil
	case time.Time:
		return expr + " " + op + " " + b.bind(v.UTC().Format(time.RFC3339Nano)), nil
	}
	if f, ok := pgcommon.Number(value); ok {
		return "(" + expr + ")::numeric " + op + " " + b.bind(f), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("field %q: value %T is not serializable: %w", field, value, storage.ErrQuery)
	}
	return r.jsonExpr() + " " + op + " " + b.bind(string(raw)) + "::jsonb", nil
}

func (b *builder) notEqual(field string, value any) (string, error) {
	r, err := b.resolve(field)
	if err != nil {
		return "", err
	}
	if value == nil {
		return r.textExpr() + " IS NOT NULL", nil
	}
	if r.native {
		v, err := bindValue(r.typ, value)
		if err != nil {
			return "", fmt.Errorf("field %q: %v: %w", field, err, storage.ErrQuery)
		}
		return r.col + " IS DISTINCT FROM " + b.bind(v), nil
	}
	switch v := value.(type) {
	case bool:
		return "(" + r.textExpr() + ")::boolean IS DISTINCT FROM " + b.bind(v), nil
	case string:
		return r.textExpr() + " IS DISTINCT FROM " + b.bind(v), nil
	case time.Time:
		return r.textExpr() + " IS DISTINCT FROM " + b.bind(v.UTC().Format(time.RFC3339Nano)), nil
	}
	if f, ok := pgcommon.Number(value); ok {
		return "(" + r.textExpr() + ")::numeric IS DISTINCT FROM " + b.bind(f), nil
	}
	raw, merr := json.Marshal(value)
	if merr != nil {
		return "", fmt.Errorf("field %q: value %T is not serializable: %w", field, value, storage.ErrQuery)
	}
	return r.jsonExpr() + " IS DISTINCT FROM " + b.bind(string(raw)) + "::jsonb", nil
}

func (b *builder) compare(op, field string, value any) (string, error) {
	r, err := b.resolve(field)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("field %q: %s against null: %w", field, op, storage.ErrQuery)
	}
	if r.native {
		v, err := bindValue(r.typ, value)
		if err != nil {
			return "", fmt.Errorf("field %q: %v: %w", field, err, storage.ErrQuery)
		}
		return r.col + " " + op + " " + b.bind(v), nil
	}
	return b.extracted(op, r, field, value)
}

func (b *builder) regex(field, pattern string) (string, error) {
	r, err := b.resolve(field)
	if err != nil {
		return "", err
	}
	// Regular expressions match string values only.
	if r.native && r.typ != typeText {
		return "FALSE", nil
	}
	return r.textExpr() + " ~ " + b.bind(pattern), nil
}

func (b *builder) in(field string, values []any) (string, error) {
	if len(values) == 0 {
		return "FALSE", nil
	}
	r, err := b.resolve(field)
	if err != nil {
		return "", err
	}
	var present []any
	hasNull := false
	for _, v := range values {
		if v == nil {
			hasNull = true
			continue
		}
		present = append(present, v)
	}
	nullExpr := r.textExpr() + " IS NULL"
	if len(present) == 0 {
		return nullExpr, nil
	}

	var list string
	if r.native {
		ph := make([]string, len(present))
		for i, v := range present {
			bv, err := bindValue(r.typ, v)
			if err != nil {
				return "", fmt.Errorf("field %q: %v: %w", field, err, storage.ErrQuery)
			}
			ph[i] = b.bind(bv)
		}
		list = r.col + " IN (" + strings.Join(ph, ", ") + ")"
	} else {
		numeric := true
		for _, v := range present {
			if _, ok := pgcommon.Number(v); !ok {
				numeric = false
				break
			}
		}
		if numeric {
			ph := make([]string, len(present))
			for i, v := range present {
				f, _ := pgcommon.Number(v)
				ph[i] = b.bind(f)
			}
			list = "(" + r.textExpr() + ")::numeric IN (" + strings.Join(ph, ", ") + ")"
		} else {
			ph := make([]string, len(present))
			for i, v := range present {
				ph[i] = b.bind(pgcommon.Text(v))
			}
			list = r.textExpr() + " IN (" + strings.Join(ph, ", ") + ")"
			var arms []string
			for _, v := range present {
				sv, ok := v.(string)
				if !ok {
					continue
				}
				arm, err := b.element(r, sv)
				if err != nil {
					return "", err
				}
				if arm != "" {
					arms = append(arms, arm)
				}
			}
			if len(arms) > 0 {
				list = "(" + list + " OR " + strings.Join(arms, " OR ") + ")"
			}
		}
	}
	if hasNull {
		return "(" + list + " OR " + nullExpr + ")", nil
	}
	return list, nil
}

func (b *builder) join(sep string, terms []query.Query, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		expr, err := b.term(t)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}
