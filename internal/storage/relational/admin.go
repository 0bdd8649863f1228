package relational

import (
	"context"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
)

// CreateIndexes realizes the automatic per-type indexes plus the model's
// declared ones over whatever columns exist right now. A table that has
// not been created yet has nothing to index.
func (s *Store) CreateIndexes(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.refreshColumns(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	cols, order := s.cols, s.order
	s.mu.Unlock()
	if cols == nil {
		return nil
	}
	var stmts []string
	for _, name := range order {
		switch cols[name].typ {
		case typeJSONB:
			stmts = append(stmts, columnIndexSQL(s.table, name, "JSONB"))
		case typeTimestamp:
			stmts = append(stmts, columnIndexSQL(s.table, name, "TIMESTAMPTZ"))
		}
	}
	for _, ix := range s.desc.Indexes {
		if !query.ValidIdent(ix.Field) {
			debug.Logf("relational: skipping index on unsafe field %q", ix.Field)
			continue
		}
		info, ok := cols[ix.Field]
		if !ok || info.typ == typeJSONB || info.typ == typeTimestamp {
			continue
		}
		stmts = append(stmts, columnIndexSQL(s.table, ix.Field, "BTREE"))
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.wrap("create index on", err)
		}
	}
	return nil
}

func (s *Store) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, text, params...)
	if err != nil {
		return nil, s.wrap("raw read on", err)
	}
	out, err := pgcommon.CollectRows(rows)
	if err != nil {
		return nil, s.wrap("raw read on", err)
	}
	return out, nil
}

func (s *Store) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, text, params...)
	if err != nil {
		return 0, s.wrap("raw write on", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out, err := pgcommon.Databases(ctx, s.pool)
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	return out, nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out, err := pgcommon.Schemas(ctx, s.pool)
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	return out, nil
}

func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out, err := pgcommon.Tables(ctx, s.pool)
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	return out, nil
}

// ModelInfo reports the live table shape, since the schema grows with the
// payloads rather than being fixed by the descriptor.
func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.refreshColumns(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cols, order := s.cols, s.order
	s.mu.Unlock()

	info := &storage.ModelInfo{
		Name:    s.desc.Name,
		Path:    s.table,
		Kind:    model.KindRelational,
		Options: map[string]any{"dynamic_schema": true},
	}
	for _, name := range order {
		info.Fields = append(info.Fields, storage.FieldInfo{
			Name:     name,
			Type:     cols[name].typ,
			Nullable: cols[name].nullable,
		})
	}
	if cols == nil {
		return info, nil
	}
	indexes, err := pgcommon.ListColumn(ctx, s.pool,
		"SELECT indexname FROM pg_indexes WHERE tablename = $1 ORDER BY indexname", s.table)
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	info.Indexes = indexes
	var docs int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.ident()).Scan(&docs); err != nil {
		return nil, s.wrap("count", err)
	}
	info.Options["documents"] = docs
	return info, nil
}
