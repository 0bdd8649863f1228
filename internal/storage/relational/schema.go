package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/types"
)

// sqlType infers the column type for a payload value. A nil value carries
// no type; its column is added once a typed value shows up.
func sqlType(v any) (string, bool) {
	switch v.(type) {
	case string:
		return "TEXT", true
	case bool:
		return "BOOLEAN", true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "BIGINT", true
	case float32, float64, json.Number:
		return "DOUBLE PRECISION", true
	case time.Time:
		return "TIMESTAMPTZ", true
	case []any, map[string]any, json.RawMessage:
		return "JSONB", true
	case nil:
		return "", false
	}
	// Anything else JSON-serializable rides as jsonb.
	if _, err := json.Marshal(v); err == nil {
		return "JSONB", true
	}
	return "", false
}

// metaKeys are entity-level keys stored in _metadata rather than as typed
// columns.
var metaKeys = map[string]bool{
	types.FieldOwnerID:    true,
	types.FieldCreatedBy:  true,
	types.FieldModifiedBy: true,
	types.FieldGraphID:    true,
	types.FieldACL:        true,
	types.FieldAuthRules:  true,
}

// reservedColumns are document keys the write path binds explicitly.
var reservedColumns = map[string]bool{
	types.FieldID:        true,
	types.FieldCreatedAt: true,
	types.FieldUpdatedAt: true,
}

// splitDoc partitions a document into typed-column values and _metadata
// overflow. id and the timestamps are the caller's concern. Field names
// that cannot be SQL identifiers are preserved in _metadata.
func splitDoc(doc map[string]any) (values, meta map[string]any) {
	values = make(map[string]any)
	meta = make(map[string]any)
	for k, v := range doc {
		switch {
		case reservedColumns[k]:
		case metaKeys[k] || strings.HasPrefix(k, "_"):
			meta[k] = v
		case !query.ValidIdent(k):
			debug.Logf("relational: field %q is not a valid column name, keeping it in _metadata", k)
			meta[k] = v
		default:
			values[k] = v
		}
	}
	return values, meta
}

// createTableSQL renders the table plus its automatic indexes from the
// first payload: GIN on every jsonb column, btree on every timestamp.
func createTableSQL(table string, values map[string]any) []string {
	defs := []string{
		"id TEXT PRIMARY KEY",
		"created_at TIMESTAMPTZ DEFAULT now()",
		"updated_at TIMESTAMPTZ DEFAULT now()",
		`"_metadata" JSONB DEFAULT '{}'::jsonb`,
	}
	indexed := [][2]string{
		{"created_at", "TIMESTAMPTZ"},
		{"updated_at", "TIMESTAMPTZ"},
		{"_metadata", "JSONB"},
	}
	for _, name := range sortedKeys(values) {
		typ, ok := sqlType(values[name])
		if !ok {
			continue
		}
		defs = append(defs, pgx.Identifier{name}.Sanitize()+" "+typ)
		if typ == "JSONB" || typ == "TIMESTAMPTZ" {
			indexed = append(indexed, [2]string{name, typ})
		}
	}
	ident := pgx.Identifier{table}.Sanitize()
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident, strings.Join(defs, ", "))}
	for _, ix := range indexed {
		stmts = append(stmts, columnIndexSQL(table, ix[0], ix[1]))
	}
	return stmts
}

// addColumnSQL widens the table for one new field, with the automatic
// index when the type warrants one.
func addColumnSQL(table, column, typ string) []string {
	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize(), typ)}
	if typ == "JSONB" || typ == "TIMESTAMPTZ" {
		stmts = append(stmts, columnIndexSQL(table, column, typ))
	}
	return stmts
}

// columnIndexSQL picks the index flavor for a column type: GIN for jsonb,
// plain btree otherwise.
func columnIndexSQL(table, column, typ string) string {
	name := pgx.Identifier{fmt.Sprintf("idx_%s_%s", table, column)}.Sanitize()
	ident := pgx.Identifier{table}.Sanitize()
	col := pgx.Identifier{column}.Sanitize()
	if typ == "JSONB" {
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (%s)", name, ident, col)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, ident, col)
}

// ensureSchema creates the table on first write and adds columns for new
// payload fields. All DDL is IF NOT EXISTS, so concurrent writers converge;
// a table that already existed on the server still gets widened below.
func (s *Store) ensureSchema(ctx context.Context, values map[string]any) error {
	if s.columns() == nil {
		for _, stmt := range createTableSQL(s.table, values) {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return s.wrap("create table for", err)
			}
		}
		if err := s.refreshColumns(ctx); err != nil {
			return err
		}
	}

	known := s.columns()
	changed := false
	for _, name := range sortedKeys(values) {
		if _, ok := known[name]; ok {
			continue
		}
		typ, ok := sqlType(values[name])
		if !ok {
			continue
		}
		for _, stmt := range addColumnSQL(s.table, name, typ) {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return s.wrap("alter table for", err)
			}
		}
		changed = true
	}
	if changed {
		return s.refreshColumns(ctx)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
