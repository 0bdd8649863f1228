package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
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
	body, err := bodyJSON(c)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (id, body, created_at, updated_at) VALUES (?, ?, ?, ?)", s.table),
		c.ID, body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return "", s.wrap("create in", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", s.wrap("create in", err)
	}
	if n == 0 {
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

// Upsert writes the entity by id, replacing the body of an existing row
// and leaving its creation time alone.
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
	body, err := bodyJSON(c)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, body, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`, s.table),
		c.ID, body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return "", s.wrap("write to", err)
	}
	return c.ID, nil
}

// bodyJSON renders the stored body: the document minus id and timestamps,
// which live in their own columns.
func bodyJSON(e *types.Entity) (string, error) {
	doc := e.Document()
	delete(doc, types.FieldID)
	delete(doc, types.FieldCreatedAt)
	delete(doc, types.FieldUpdatedAt)
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode body of %q: %v: %w", e.ID, err, storage.ErrValidation)
	}
	return string(raw), nil
}

// entity rebuilds an entity from one row. Body fields go through the JSON
// round trip, so numbers come back as float64 like every JSON-carrying
// backend.
func (s *Store) entity(id, body string, created, updated time.Time) (*types.Entity, error) {
	doc, err := decodeBody(id, body)
	if err != nil {
		return nil, err
	}
	doc[types.FieldID] = id
	doc[types.FieldCreatedAt] = created.UTC()
	doc[types.FieldUpdatedAt] = updated.UTC()
	return types.FromDocument(doc), nil
}

func decodeBody(id, body string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode body of %q: %v: %w", id, err, storage.ErrStorage)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var body string
	var created, updated time.Time
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT body, created_at, updated_at FROM %s WHERE id = ?", s.table), id).
		Scan(&body, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	if err != nil {
		return nil, s.wrap("read from", err)
	}
	return s.entity(id, body, created, updated)
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
	docs, err := s.matchDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	if opts.OrderBy != "" {
		field := opts.OrderBy
		sort.SliceStable(docs, func(i, j int) bool {
			cmp, ok := query.Compare(docs[i][field], docs[j][field])
			if !ok {
				return false
			}
			if opts.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	out := make([]*types.Entity, 0, len(docs))
	for _, doc := range docs {
		out = append(out, types.FromDocument(doc))
	}
	return out, nil
}

// matchDocs fetches candidate rows and keeps those the typed matcher
// accepts. The SQL condition from narrow is a superset of the matching
// rows, so the matcher is the sole authority on membership.
func (s *Store) matchDocs(ctx context.Context, q query.Query) ([]map[string]any, error) {
	text := fmt.Sprintf("SELECT id, body, created_at, updated_at FROM %s", s.table)
	cond, args := narrow(q)
	if cond != "" {
		text += " WHERE " + cond
	}
	text += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	defer rows.Close()
	var docs []map[string]any
	for rows.Next() {
		var id, body string
		var created, updated time.Time
		if err := rows.Scan(&id, &body, &created, &updated); err != nil {
			return nil, s.wrap("query", err)
		}
		doc, err := decodeBody(id, body)
		if err != nil {
			return nil, err
		}
		doc[types.FieldID] = id
		doc[types.FieldCreatedAt] = created.UTC()
		doc[types.FieldUpdatedAt] = updated.UTC()
		if query.Match(q, doc) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query", err)
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if query.IsAll(q) {
		var n int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n)
		if err != nil {
			return 0, s.wrap("count", err)
		}
		return n, nil
	}
	docs, err := s.matchDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
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
	updated := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.updateTx(ctx, tx, id, patch)
		updated = n
		return err
	})
	if err != nil {
		return false, s.wrap("update in", err)
	}
	return updated, nil
}

// updateTx merges the patch into the stored body under the caller's
// transaction. The read and the write share it, so concurrent patches to
// the same row serialize instead of losing fields.
func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, id string, patch map[string]any) (bool, error) {
	var body string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT body FROM %s WHERE id = ?", s.table), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	merged, err := mergeBody(id, body, patch)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET body = ?, updated_at = ? WHERE id = ?", s.table),
		merged, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// mergeBody lays the patch over the stored document. The id and the
// timestamp columns are not body fields, so those keys are dropped.
func mergeBody(id, body string, patch map[string]any) (string, error) {
	doc, err := decodeBody(id, body)
	if err != nil {
		return "", err
	}
	for k, v := range patch {
		switch k {
		case types.FieldID, types.FieldCreatedAt, types.FieldUpdatedAt:
			continue
		}
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%q: encode body: %v: %w", id, err, storage.ErrValidation)
	}
	return string(raw), nil
}

func (s *Store) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	docs, err := s.matchDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, doc := range docs {
			id, _ := doc[types.FieldID].(string)
			ok, err := s.updateTx(ctx, tx, id, patch)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap("update in", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	if err != nil {
		return false, s.wrap("delete from", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("delete from", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	docs, err := s.matchDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	var total int64
	// Stay under SQLite's bound-parameter ceiling on large matches.
	const chunk = 500
	for start := 0; start < len(docs); start += chunk {
		end := start + chunk
		if end > len(docs) {
			end = len(docs)
		}
		placeholders := make([]string, 0, end-start)
		args := make([]any, 0, end-start)
		for _, doc := range docs[start:end] {
			placeholders = append(placeholders, "?")
			args = append(args, doc[types.FieldID])
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.table, strings.Join(placeholders, ", ")), args...)
		if err != nil {
			return total, s.wrap("delete from", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, s.wrap("delete from", err)
		}
		total += n
	}
	return total, nil
}
