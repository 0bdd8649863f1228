package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Match evaluates q against a flat field map in memory. Dotted paths descend
// into nested maps; when a path segment lands on a list, every element is
// considered and the predicate passes if any candidate does (the usual
// document-store semantics, needed for acl.principal_id style filters).
func Match(q Query, fields map[string]any) bool {
	switch t := q.(type) {
	case Eq:
		cands, present := lookup(fields, t.Field)
		if !present {
			return t.Value == nil
		}
		for _, c := range cands {
			if valueEq(c, t.Value) {
				return true
			}
		}
		return false
	case Cmp:
		cands, present := lookup(fields, t.Field)
		if t.Op == OpNe {
			if !present {
				return t.Value != nil
			}
			for _, c := range cands {
				if valueEq(c, t.Value) {
					return false
				}
			}
			return true
		}
		if !present {
			return false
		}
		for _, c := range cands {
			if cmp, ok := order(c, t.Value); ok && cmpHolds(t.Op, cmp) {
				return true
			}
		}
		return false
	case In:
		cands, present := lookup(fields, t.Field)
		if !present {
			return false
		}
		for _, c := range cands {
			for _, v := range t.Values {
				if valueEq(c, v) {
					return true
				}
			}
		}
		return false
	case Regex:
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return false
		}
		cands, present := lookup(fields, t.Field)
		if !present {
			return false
		}
		for _, c := range cands {
			if s, ok := c.(string); ok && re.MatchString(s) {
				return true
			}
		}
		return false
	case And:
		for _, s := range t.Terms {
			if !Match(s, fields) {
				return false
			}
		}
		return true
	case Or:
		for _, s := range t.Terms {
			if Match(s, fields) {
				return true
			}
		}
		return false
	}
	return false
}

// lookup resolves a dotted path to candidate values. present is false only
// when the path is entirely absent.
func lookup(fields map[string]any, path string) (cands []any, present bool) {
	cur := []any{fields}
	for len(path) > 0 {
		var seg string
		if i := strings.IndexByte(path, '.'); i >= 0 {
			seg, path = path[:i], path[i+1:]
		} else {
			seg, path = path, ""
		}
		var next []any
		for _, c := range cur {
			switch node := c.(type) {
			case map[string]any:
				if v, ok := node[seg]; ok {
					next = append(next, v)
				}
			case []any:
				for _, elem := range node {
					if m, ok := elem.(map[string]any); ok {
						if v, ok := m[seg]; ok {
							next = append(next, v)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		cur = next
	}
	// Flatten one level so Eq/In over list fields test elements too.
	for _, c := range cur {
		if s, ok := c.([]any); ok {
			cands = append(cands, s...)
		}
		cands = append(cands, c)
	}
	return cands, true
}

func valueEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Equal(bt)
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders a against b, returning -1/0/1 and whether the pair is
// comparable at all. Adapters use it for in-memory sorts with the same
// coercion rules Match applies to range operators.
func Compare(a, b any) (int, bool) {
	return order(a, b)
}

// order compares a against b, returning -1/0/1 and whether the pair is
// comparable at all.
func order(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func cmpHolds(op CmpOp, cmp int) bool {
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Describe renders a query for debug logs.
func Describe(q Query) string {
	return fmt.Sprintf("%v", q.Map())
}
