package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/uuidv7"
	"github.com/polystore/polystore/internal/workerpool"
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
	data, vec, err := s.encode(ctx, c)
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, data, embedding) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		s.ident()), c.ID, data, vec)
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

// save upserts the row, refreshing data, embedding and updated_at together.
func (s *Store) save(ctx context.Context, e *types.Entity) error {
	data, vec, err := s.encode(ctx, e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, data, embedding) VALUES ($1, $2, $3)"+
			" ON CONFLICT (id) DO UPDATE SET data = $2, embedding = $3, updated_at = now()",
		s.ident()), e.ID, data, vec)
	return s.wrap("write to", err)
}

// encode renders the stored JSONB document and the embedding literal for
// one entity. Only user fields feed the embedding text.
func (s *Store) encode(ctx context.Context, e *types.Entity) ([]byte, string, error) {
	data, err := json.Marshal(e.Document())
	if err != nil {
		return nil, "", fmt.Errorf("encode %s %q: %v: %w", s.desc.Name, e.ID, err, storage.ErrValidation)
	}
	vec, err := s.embed(ctx, embedding.EntityText(e.Fields))
	if err != nil {
		return nil, "", err
	}
	return data, embedding.Vector(vec), nil
}

// embed dispatches to the worker pool when one is attached; a pool that
// refuses the task falls back to the caller's goroutine.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if s.workers != nil {
		taskID, err := s.submitEmbed(text)
		if err == nil {
			v, err := s.workers.Result(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("embed for %s: %v: %w", s.table, err, storage.ErrStorage)
			}
			vec, err := embedding.ToVector(v)
			if err != nil {
				return nil, fmt.Errorf("embed for %s: %v: %w", s.table, err, storage.ErrStorage)
			}
			return vec, nil
		}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed for %s: %v: %w", s.table, err, storage.ErrStorage)
	}
	return vec, nil
}

// submitEmbed hands the text to the pool. Goroutine pools take a closure
// over the store's embedder; process pools only run the registered hash
// task, since a closure cannot cross the process boundary.
func (s *Store) submitEmbed(text string) (string, error) {
	if s.workers.Flavor() == workerpool.FlavorProcess {
		h, ok := s.embedder.(*embedding.HashEmbedder)
		if !ok {
			return "", fmt.Errorf("embedder %T has no named task", s.embedder)
		}
		return s.workers.SubmitNamed(embedding.EmbedTask, map[string]any{
			"text": text,
			"dim":  h.Dimension(),
		})
	}
	return s.workers.Submit(func(ctx context.Context, _ map[string]any) (any, error) {
		return s.embedder.Embed(ctx, text)
	})
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT data FROM %s WHERE id = $1", s.ident()), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	if err != nil {
		return nil, s.wrap("read from", err)
	}
	return s.decode(id, raw)
}

func (s *Store) decode(id string, raw []byte) (*types.Entity, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s %q: %v: %w", s.desc.Name, id, err, storage.ErrStorage)
	}
	e := types.FromDocument(doc)
	if e.ID == "" {
		e.ID = id
	}
	return e, nil
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
	where, args, err := translate(q)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, data FROM %s", s.ident())
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	if opts.OrderBy != "" {
		expr, err := fieldJSON(opts.OrderBy)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" ORDER BY " + expr)
		if opts.Desc {
			sb.WriteString(" DESC")
		}
	} else {
		// UUIDv7 ids sort by creation time.
		sb.WriteString(" ORDER BY id")
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, s.wrap("query", err)
		}
		e, err := s.decode(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := translate(q)
	if err != nil {
		return 0, err
	}
	sql := "SELECT count(*) FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	var n int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
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
	if errors.Is(err, pgx.ErrNoRows) {
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
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT data FROM %s WHERE id = $1", s.ident()), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("read from", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("decode %s %q: %v: %w", s.desc.Name, id, err, storage.ErrStorage)
	}
	for k, v := range patch {
		if k == types.FieldID {
			continue
		}
		doc[k] = v
	}
	e := types.FromDocument(doc)
	if e.ID == "" {
		e.ID = id
	}
	e.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, e); err != nil {
		return false, err
	}
	return true, nil
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
		return false, s.wrap("delete from", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := translate(q)
	if err != nil {
		return 0, err
	}
	sql := "DELETE FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, s.wrap("delete from", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) matchIDs(ctx context.Context, q query.Query) ([]string, error) {
	where, args, err := translate(q)
	if err != nil {
		return nil, err
	}
	sql := "SELECT id FROM " + s.ident()
	if where != "" {
		sql += " WHERE " + where
	}
	sql += " ORDER BY id"
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.wrap("query", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query", err)
	}
	return ids, nil
}
