package vector

import (
	"context"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
	"github.com/polystore/polystore/internal/types"
)

func (s *Store) CreateIndexes(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	for _, stmt := range s.indexSQL() {
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

func (s *Store) listColumn(ctx context.Context, sql string, params ...any) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out, err := pgcommon.ListColumn(ctx, s.pool, sql, params...)
	if err != nil {
		return nil, s.wrap("list on", err)
	}
	return out, nil
}

func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	indexes, err := s.listColumn(ctx,
		"SELECT indexname FROM pg_indexes WHERE tablename = $1 ORDER BY indexname", s.table)
	if err != nil {
		return nil, err
	}
	var docs int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.ident()).Scan(&docs); err != nil {
		return nil, s.wrap("count", err)
	}
	info := &storage.ModelInfo{
		Name:    s.desc.Name,
		Path:    s.desc.Path,
		Kind:    model.KindVector,
		Indexes: indexes,
		Options: map[string]any{
			"dimension": s.dim,
			"documents": docs,
		},
	}
	info.Fields = append(info.Fields, storage.FieldInfo{Name: types.FieldID, Type: "string"})
	for _, f := range s.desc.Fields {
		info.Fields = append(info.Fields, storage.FieldInfo{
			Name:     f.Name,
			Type:     string(f.Type),
			Nullable: !f.Required,
		})
	}
	return info, nil
}
