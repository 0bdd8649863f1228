package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/uuidv7"
)

func (s *Store) Create(ctx context.Context, e *types.Entity) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuidv7.NewPrefixed(s.desc.IDPrefix)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	sql, args, err := s.writeSQL(ctx, c, false)
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return "", s.wrap("create in", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%s %q: %w", s.desc.Name, c.ID, storage.ErrDuplicate)
	}
	return c.ID, nil
}

func (s *Store) CreateMany(ctx context.Context, es []*types.Entity) ([]string, error) {
	ids := make([]string, 0, len(es))
	for _, e := range es {
		id, err := s.Create(ctx, e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Upsert writes the entity by id in one statement, inserting or
// overwriting. Existing rows keep their created_at; updated_at advances.
func (s *Store) Upsert(ctx context.Context, e *types.Entity) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuidv7.NewPrefixed(s.desc.IDPrefix)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	sql, args, err := s.writeSQL(ctx, c, true)
	if err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return "", s.wrap("write to", err)
	}
	return c.ID, nil
}

// writeSQL renders the INSERT for an entity, creating or widening the
// table first so every typed payload field has a column. Overflow fields
// travel in _metadata; legacy tables with a catch-all data column get an
// empty document so NOT NULL constraints hold.
func (s *Store) writeSQL(ctx context.Context, e *types.Entity, upsert bool) (string, []any, error) {
	values, meta := splitDoc(e.Document())
	if err := s.ensureSchema(ctx, values); err != nil {
		return "", nil, err
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s %q: %v: %w", s.desc.Name, e.ID, err, storage.ErrValidation)
	}

	cols := s.columns()
	names := []string{`"id"`, `"created_at"`, `"updated_at"`, `"_metadata"`}
	args := []any{e.ID, e.CreatedAt.UTC(), e.UpdatedAt.UTC(), metaRaw}
	sets := []string{`"_metadata" = excluded."_metadata"`}
	for _, name := range sortedKeys(values) {
		info, ok := cols[name]
		if !ok {
			continue
		}
		v, err := bindValue(info.typ, values[name])
		if err != nil {
			return "", nil, fmt.Errorf("encode %s %q field %q: %v: %w", s.desc.Name, e.ID, name, err, storage.ErrValidation)
		}
		q := pgx.Identifier{name}.Sanitize()
		names = append(names, q)
		args = append(args, v)
		sets = append(sets, q+" = excluded."+q)
	}
	if info, ok := cols["data"]; ok && info.typ == typeJSONB {
		if _, present := values["data"]; !present {
			names = append(names, `"data"`)
			args = append(args, []byte("{}"))
		}
	}

	ph := make([]string, len(args))
	for i := range args {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.ident(),
		strings.Join(names, ", "), strings.Join(ph, ", "))
	if upsert {
		sql += " ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ") + ", updated_at = now()"
	} else {
		sql += " ON CONFLICT (id) DO NOTHING"
	}
	return sql, args, nil
}

// bindValue coerces a document value onto its column's wire type. jsonb
// values are marshaled; timestamp columns accept RFC3339 strings.
func bindValue(typ string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case typeJSONB:
		if raw, ok := v.([]byte); ok {
			return raw, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return raw, nil
	case typeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, err
			}
			return ts.UTC(), nil
		}
	case typeBigint:
		if f, ok := pgcommon.Number(v); ok {
			return int64(f), nil
		}
	case typeDouble:
		if f, ok := pgcommon.Number(v); ok {
			return f, nil
		}
	}
	return v, nil
}

// queryRows runs a SELECT and collects the rows, treating a missing table
// as an empty result. The table only exists after the first write.
func (s *Store) queryRows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	recs, err := pgcommon.CollectRows(rows)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

// rowToEntity rebuilds an entity from a SELECT * row. NULL columns are
// absent fields; _metadata contents fold back into the document.
func (s *Store) rowToEntity(row map[string]any) *types.Entity {
	doc := make(map[string]any, len(row))
	for col, v := range row {
		if v == nil || col == types.FieldMetadata {
			continue
		}
		doc[col] = v
	}
	if m, ok := row[types.FieldMetadata].(map[string]any); ok {
		for k, v := range m {
			if _, exists := doc[k]; !exists {
				doc[k] = v
			}
		}
	}
	e := types.FromDocument(doc)
	if e.ID == "" {
		if id, ok := row["id"].(string); ok {
			e.ID = id
		}
	}
	return e
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	recs, err := s.queryRows(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", s.ident()), id)
	if err != nil {
		return nil, s.wrap("read from", err)
	}
	if len(recs) == 0 {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	return s.rowToEntity(recs[0]), nil
}

func (s *Store) FindOne(ctx context.Context, q query.Query) (*types.Entity, error) {
	es, err := s.Find(ctx, q, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(es) == 0 {
		return nil, fmt.Errorf("%s matching %s: %w", s.desc.Name, query.Describe(q), storage.ErrNotFound)
	}
	return es[0], nil
}

func (s *Store) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	where, args, err := s.translate(ctx, q)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", s.ident())
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	sb.WriteString(s.orderClause(opts.OrderBy, opts.Desc))
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	recs, err := s.queryRows(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	out := make([]*types.Entity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.rowToEntity(rec))
	}
	return out, nil
}

// orderClause validates the requested column; an unknown one keeps the id
// order, the way in-memory ordering treats incomparable fields. UUIDv7
// ids sort by creation time.
func (s *Store) orderClause(field string, desc bool) string {
	if field != "" && query.ValidIdent(field) {
		if _, ok := s.columns()[field]; ok {
			clause := " ORDER BY " + pgx.Identifier{field}.Sanitize()
			if desc {
				clause += " DESC"
			}
			return clause
		}
	}
	return " ORDER BY id"
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := s.translate(ctx, q)
	if err != nil {
		return 0, err
	}
	sql := "SELECT count(*) FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	var n int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		if pgcommon.UndefinedTable(err) {
			return 0, nil
		}
		return 0, s.wrap("count", err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var one int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT 1 FROM %s WHERE id = $1", s.ident()), id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) || pgcommon.UndefinedTable(err) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("read from", err)
	}
	return true, nil
}

func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	// No table means no row to patch; only writes of whole entities
	// create it.
	if s.columns() == nil {
		if err := s.refreshColumns(ctx); err != nil {
			return false, err
		}
		if s.columns() == nil {
			return false, nil
		}
	}
	values, meta := splitDoc(patch)
	if err := s.ensureSchema(ctx, values); err != nil {
		return false, err
	}
	cols := s.columns()
	var sets []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	for _, name := range sortedKeys(values) {
		info, ok := cols[name]
		if !ok {
			continue
		}
		v, err := bindValue(info.typ, values[name])
		if err != nil {
			return false, fmt.Errorf("encode %s %q field %q: %v: %w", s.desc.Name, id, name, err, storage.ErrValidation)
		}
		sets = append(sets, pgx.Identifier{name}.Sanitize()+" = "+bind(v))
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return false, fmt.Errorf("encode %s %q: %v: %w", s.desc.Name, id, err, storage.ErrValidation)
		}
		sets = append(sets, `"_metadata" = coalesce("_metadata", '{}'::jsonb) || `+bind(raw)+"::jsonb")
	}
	sets = append(sets, "updated_at = now()")
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", s.ident(), strings.Join(sets, ", "), bind(id))
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return false, nil
		}
		return false, s.wrap("update", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	ids, err := s.matchIDs(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		ok, err := s.Update(ctx, id, patch)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = $1", s.ident()), id)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return false, nil
		}
		return false, s.wrap("delete from", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := s.translate(ctx, q)
	if err != nil {
		return 0, err
	}
	sql := "DELETE FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return 0, nil
		}
		return 0, s.wrap("delete from", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) matchIDs(ctx context.Context, q query.Query) ([]string, error) {
	where, args, err := s.translate(ctx, q)
	if err != nil {
		return nil, err
	}
	sql := "SELECT id FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	sql += " ORDER BY id"
	ids, err := pgcommon.ListColumn(ctx, s.pool, sql, args...)
	if err != nil {
		if pgcommon.UndefinedTable(err) {
			return nil, nil
		}
		return nil, s.wrap("query", err)
	}
	return ids, nil
}
