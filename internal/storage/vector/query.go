package vector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

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

// translate renders a query as a SQL boolean expression over the data
// column, binding one positional parameter per value. An all-match query
// renders as the empty string.
func translate(q query.Query) (string, []any, error) {
	if query.IsAll(q) {
		return "", nil, nil
	}
	b := &sqlArgs{}
	expr, err := b.term(q)
	if err != nil {
		return "", nil, err
	}
	return expr, b.args, nil
}

type sqlArgs struct {
	args []any
}

func (b *sqlArgs) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *sqlArgs) term(q query.Query) (string, error) {
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
		expr, err := fieldText(t.Field)
		if err != nil {
			return "", err
		}
		return expr + " ~ " + b.bind(t.Pattern), nil
	case query.And:
		return b.join(" AND ", t.Terms, "TRUE")
	case query.Or:
		return b.join(" OR ", t.Terms, "FALSE")
	}
	return "", fmt.Errorf("unsupported query node %T: %w", q, storage.ErrQuery)
}

// equal renders equality. String values get a second containment arm so a
// stored list of strings matches by element, the way the in-memory matcher
// flattens lists.
func (b *sqlArgs) equal(field string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return b.compare("=", field, value)
	}
	expr, err := fieldText(field)
	if err != nil {
		return "", err
	}
	head := expr + " = " + b.bind(s)
	arm, err := b.element(field, s)
	if err != nil {
		return "", err
	}
	return "(" + head + " OR " + arm + ")", nil
}

// element renders jsonb containment of [value] with the list pivoted at
// the path's first segment.
func (b *sqlArgs) element(field string, value any) (string, error) {
	segs, err := pathSegs(field)
	if err != nil {
		return "", err
	}
	inner := value
	for i := len(segs) - 1; i >= 1; i-- {
		inner = map[string]any{segs[i]: inner}
	}
	raw, merr := json.Marshal([]any{inner})
	if merr != nil {
		return "", fmt.Errorf("field %q: value not serializable: %w", field, storage.ErrQuery)
	}
	return "data->'" + segs[0] + "' @> " + b.bind(string(raw)) + "::jsonb", nil
}

// compare renders one field/op/value term, casting the extracted text to
// match the value's type. A nil value becomes IS NULL and binds nothing.
func (b *sqlArgs) compare(op, field string, value any) (string, error) {
	expr, err := fieldText(field)
	if err != nil {
		return "", err
	}
	if value == nil {
		if op != "=" {
			return "", fmt.Errorf("field %q: %s against null: %w", field, op, storage.ErrQuery)
		}
		return expr + " IS NULL", nil
	}
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
	return b.compareJSON(op, field, value)
}

// compareJSON compares structured values as jsonb.
func (b *sqlArgs) compareJSON(op, field string, value any) (string, error) {
	expr, err := fieldJSON(field)
	if err != nil {
		return "", err
	}
	raw, merr := json.Marshal(value)
	if merr != nil {
		return "", fmt.Errorf("field %q: value %T is not serializable: %w", field, value, storage.ErrQuery)
	}
	return expr + " " + op + " " + b.bind(string(raw)) + "::jsonb", nil
}

// notEqual matches the in-memory evaluator: a record without the field is
// distinct from any non-null value, which IS DISTINCT FROM preserves.
func (b *sqlArgs) notEqual(field string, value any) (string, error) {
	expr, err := fieldText(field)
	if err != nil {
		return "", err
	}
	if value == nil {
		return expr + " IS NOT NULL", nil
	}
	switch v := value.(type) {
	case bool:
		return "(" + expr + ")::boolean IS DISTINCT FROM " + b.bind(v), nil
	case string:
		return expr + " IS DISTINCT FROM " + b.bind(v), nil
	case time.Time:
		return expr + " IS DISTINCT FROM " + b.bind(v.UTC().Format(time.RFC3339Nano)), nil
	}
	if f, ok := pgcommon.Number(value); ok {
		return "(" + expr + ")::numeric IS DISTINCT FROM " + b.bind(f), nil
	}
	return b.compareJSON("IS DISTINCT FROM", field, value)
}

func (b *sqlArgs) in(field string, values []any) (string, error) {
	if len(values) == 0 {
		return "FALSE", nil
	}
	expr, err := fieldText(field)
	if err != nil {
		return "", err
	}
	var present []any
	hasNull := false
	numeric := true
	for _, v := range values {
		if v == nil {
			hasNull = true
			continue
		}
		if _, ok := pgcommon.Number(v); !ok {
			numeric = false
		}
		present = append(present, v)
	}
	var list string
	switch {
	case len(present) == 0:
		return expr + " IS NULL", nil
	case numeric:
		ph := make([]string, len(present))
		for i, v := range present {
			f, _ := pgcommon.Number(v)
			ph[i] = b.bind(f)
		}
		list = "(" + expr + ")::numeric IN (" + strings.Join(ph, ", ") + ")"
	default:
		ph := make([]string, len(present))
		for i, v := range present {
			ph[i] = b.bind(pgcommon.Text(v))
		}
		list = expr + " IN (" + strings.Join(ph, ", ") + ")"
		var arms []string
		for _, v := range present {
			sv, ok := v.(string)
			if !ok {
				continue
			}
			arm, err := b.element(field, sv)
			if err != nil {
				return "", err
			}
			arms = append(arms, arm)
		}
		if len(arms) > 0 {
			list = "(" + list + " OR " + strings.Join(arms, " OR ") + ")"
		}
	}
	if hasNull {
		return "(" + list + " OR " + expr + " IS NULL)", nil
	}
	return list, nil
}

func (b *sqlArgs) join(sep string, terms []query.Query, empty string) (string, error) {
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

// fieldText extracts a field as text. ->> folds both JSON null and absent
// keys into SQL NULL, which is what the null-matching rules rely on.
func fieldText(field string) (string, error) {
	return fieldExpr(field, "->>", "#>>")
}

// fieldJSON extracts a field as jsonb, used for ordering and structured
// comparison.
func fieldJSON(field string) (string, error) {
	return fieldExpr(field, "->", "#>")
}

// fieldExpr validates every path segment before splicing it into SQL.
// Dotted paths descend into nested objects with the #> operators.
func fieldExpr(field, flat, nested string) (string, error) {
	segs, err := pathSegs(field)
	if err != nil {
		return "", err
	}
	if len(segs) == 1 {
		return "data" + flat + "'" + field + "'", nil
	}
	return "data" + nested + "'{" + strings.Join(segs, ",") + "}'", nil
}

func pathSegs(field string) ([]string, error) {
	segs := strings.Split(field, ".")
	for _, seg := range segs {
		if err := query.CheckIdent(seg); err != nil {
			return nil, fmt.Errorf("%v: %w", err, storage.ErrQuery)
		}
	}
	return segs, nil
}
