package document

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/types"
)

// narrow renders a SQL condition matching a superset of the rows q accepts,
// with values bound as parameters. Equality and membership terms translate;
// everything else returns an empty condition and leaves the work to the
// matcher. False positives cost one Match call, false negatives would drop
// rows, so every translation here errs wide.
//
// A term on a list field matches per element, which json_extract cannot
// see. Each translated term therefore carries a json_type arm per path
// prefix that admits any row where the path crosses an array.
func narrow(q query.Query) (string, []any) {
	switch t := q.(type) {
	case query.Eq:
		return narrowEq(t)
	case query.In:
		return narrowIn(t)
	case query.And:
		var conds []string
		var args []any
		for _, term := range t.Terms {
			c, a := narrow(term)
			if c != "" {
				conds = append(conds, c)
				args = append(args, a...)
			}
		}
		return joinConds(conds, " AND "), args
	case query.Or:
		if len(t.Terms) == 0 {
			return "0", nil
		}
		var conds []string
		var args []any
		for _, term := range t.Terms {
			c, a := narrow(term)
			if c == "" {
				// One unconstrained branch widens the whole disjunction.
				return "", nil
			}
			conds = append(conds, c)
			args = append(args, a...)
		}
		return joinConds(conds, " OR "), args
	}
	return "", nil
}

func narrowEq(t query.Eq) (string, []any) {
	if t.Field == types.FieldID {
		if s, ok := t.Value.(string); ok {
			return "id = ?", []any{s}
		}
		return "", nil
	}
	bind, ok := scalarBind(t.Value)
	if !ok {
		return "", nil
	}
	paths, ok := jsonPaths(t.Field)
	if !ok {
		return "", nil
	}
	full := paths[len(paths)-1]
	conds := []string{fmt.Sprintf("json_extract(body, '%s') = ?", full)}
	for _, p := range paths {
		conds = append(conds, fmt.Sprintf("json_type(body, '%s') = 'array'", p))
	}
	return "(" + strings.Join(conds, " OR ") + ")", []any{bind}
}

func narrowIn(t query.In) (string, []any) {
	if len(t.Values) == 0 {
		return "0", nil
	}
	if t.Field == types.FieldID {
		var args []any
		for _, v := range t.Values {
			s, ok := v.(string)
			if !ok {
				return "", nil
			}
			args = append(args, s)
		}
		return fmt.Sprintf("id IN (%s)", placeholders(len(args))), args
	}
	var args []any
	hasNull := false
	for _, v := range t.Values {
		if v == nil {
			hasNull = true
			continue
		}
		bind, ok := scalarBind(v)
		if !ok {
			return "", nil
		}
		args = append(args, bind)
	}
	paths, ok := jsonPaths(t.Field)
	if !ok {
		return "", nil
	}
	full := paths[len(paths)-1]
	var conds []string
	if len(args) > 0 {
		conds = append(conds, fmt.Sprintf("json_extract(body, '%s') IN (%s)", full, placeholders(len(args))))
	}
	if hasNull {
		// json_extract folds JSON null and a missing key into SQL NULL,
		// the same rows a null membership matches.
		conds = append(conds, fmt.Sprintf("json_extract(body, '%s') IS NULL", full))
	}
	for _, p := range paths {
		conds = append(conds, fmt.Sprintf("json_type(body, '%s') = 'array'", p))
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

// jsonPaths returns the JSON path for each prefix of a dotted field, the
// full path last. Paths are inlined as literals so expression indexes on
// json_extract stay usable; segments failing the identifier check make the
// field untranslatable.
func jsonPaths(field string) ([]string, bool) {
	segs := strings.Split(field, ".")
	paths := make([]string, len(segs))
	for i, seg := range segs {
		if !query.ValidIdent(seg) {
			return nil, false
		}
		paths[i] = "$." + strings.Join(segs[:i+1], ".")
	}
	return paths, true
}

// scalarBind coerces a query value to a driver bind that compares against
// json_extract output: TEXT for strings, INTEGER or REAL for numbers,
// INTEGER for booleans.
func scalarBind(v any) (any, bool) {
	switch n := v.(type) {
	case string:
		return n, true
	case bool:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return nil, false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func joinConds(conds []string, sep string) string {
	switch len(conds) {
	case 0:
		return ""
	case 1:
		return conds[0]
	}
	return "(" + strings.Join(conds, sep) + ")"
}
