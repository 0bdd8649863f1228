package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
)

// CreateIndexes realizes the model's declared indexes as expression
// indexes over json_extract, which the narrowing pass can use because it
// inlines the same path literals.
func (s *Store) CreateIndexes(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	for _, idx := range s.desc.Indexes {
		paths, ok := jsonPaths(idx.Field)
		if !ok {
			debug.Logf("document: skipping index on %q: not a valid field path", idx.Field)
			continue
		}
		name := fmt.Sprintf("idx_%s_%s", s.table, strings.ReplaceAll(idx.Field, ".", "_"))
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (json_extract(body, '%s'))",
			name, s.table, paths[len(paths)-1])
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap("create index on", err)
		}
	}
	return nil
}

func (s *Store) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, text, params...)
	if err != nil {
		return nil, s.wrap("raw read on", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, s.wrap("raw read on", err)
	}
	var out []map[string]any
	for rows.Next() {
		ptrs := make([]any, len(cols))
		for i := range ptrs {
			ptrs[i] = new(any)
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.wrap("raw read on", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := *(ptrs[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("raw read on", err)
	}
	return out, nil
}

func (s *Store) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, text, params...)
	if err != nil {
		return 0, s.wrap("raw write on", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("raw write on", err)
	}
	return n, nil
}

// ListDatabases reports the attached database names, "main" plus any
// ATTACH targets.
func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var seq int
		var name, file string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return nil, s.wrap("list on", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list on", err)
	}
	return names, nil
}

// ListSchemas matches ListDatabases: SQLite schema names are the attached
// database names.
func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	return s.ListDatabases(ctx)
}

func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.wrap("list on", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list on", err)
	}
	return names, nil
}

// ModelInfo reports the table columns and indexes. Document fields live
// inside the body column, so the declared model fields are echoed as
// JSON-typed entries alongside the physical columns.
func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	info := &storage.ModelInfo{
		Name: s.desc.Name,
		Path: s.desc.Path,
		Kind: model.KindDocument,
		Options: map[string]any{
			"file": s.path,
		},
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.table))
	if err != nil {
		return nil, s.wrap("describe", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notnull, pk int
		var name, typ string
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, s.wrap("describe", err)
		}
		info.Fields = append(info.Fields, storage.FieldInfo{
			Name:     name,
			Type:     strings.ToLower(typ),
			Nullable: notnull == 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("describe", err)
	}

	idxRows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", s.table))
	if err != nil {
		return nil, s.wrap("describe", err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, s.wrap("describe", err)
		}
		info.Indexes = append(info.Indexes, name)
	}
	if err := idxRows.Err(); err != nil {
		return nil, s.wrap("describe", err)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n); err == nil {
		info.Options["documents"] = n
	}
	return info, nil
}
