package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

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

	n, err := s.client.Exists(ctx, s.key(c.ID)).Result()
	if err != nil {
		return "", s.wrap("create", err)
	}
	if n > 0 {
		return "", fmt.Errorf("%s %q: %w", s.desc.Name, c.ID, storage.ErrDuplicate)
	}
	if err := s.write(ctx, c, true); err != nil {
		return "", err
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

// write persists the document, its metadata hash, and its index-set
// memberships in one pipeline. The stored JSON keeps _ttl and _index_fields
// so a later rewrite preserves them.
func (s *Store) write(ctx context.Context, e *types.Entity, create bool) error {
	doc := e.Document()
	ttl := s.ttlFor(doc)
	fields := s.indexFieldsFor(doc)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %q: %v: %w", s.desc.Name, e.ID, err, storage.ErrValidation)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	meta := map[string]any{
		"updated_at":   now,
		"ttl":          int64(ttl / time.Second),
		"size":         len(data),
		"last_touched": now,
	}
	if create {
		meta["created_at"] = now
		meta["last_accessed"] = now
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(e.ID), data, ttl)
	pipe.HSet(ctx, s.metaKey(e.ID), meta)
	if ttl > 0 {
		pipe.Expire(ctx, s.metaKey(e.ID), ttl)
	} else {
		pipe.Persist(ctx, s.metaKey(e.ID))
	}
	for _, f := range fields {
		if v, ok := doc[f]; ok && v != nil {
			pipe.SAdd(ctx, s.idxKey(f, formatValue(v)), e.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap("write", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	if err != nil {
		return nil, s.wrap("find", err)
	}
	s.client.HSet(ctx, s.metaKey(id), "last_accessed", time.Now().UTC().Format(time.RFC3339Nano))
	return s.decode(id, data)
}

func (s *Store) decode(id string, data []byte) (*types.Entity, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s %q: %v: %w", s.desc.Name, id, err, storage.ErrStorage)
	}
	e := types.FromDocument(doc)
	if e.ID == "" {
		e.ID = id
	}
	return e, nil
}

func (s *Store) FindOne(ctx context.Context, q query.Query) (*types.Entity, error) {
	out, err := s.Find(ctx, q, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s matching %s: %w", s.desc.Name, query.Describe(q), storage.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	docs, err := s.findDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	if opts.OrderBy != "" {
		sortDocs(docs, opts.OrderBy, opts.Desc)
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
	for _, d := range docs {
		e := types.FromDocument(d.doc)
		if e.ID == "" {
			e.ID = d.id
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	docs, err := s.findDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, s.wrap("exists", err)
	}
	return n > 0, nil
}

func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("update", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("decode %s %q: %v: %w", s.desc.Name, id, err, storage.ErrStorage)
	}

	// Move index memberships for indexed fields the patch rewrites.
	for _, f := range s.indexFieldsFor(doc) {
		nv, changed := patch[f]
		if !changed {
			continue
		}
		ov, ok := doc[f]
		if !ok || ov == nil {
			continue
		}
		if formatValue(ov) == formatValue(nv) {
			continue
		}
		if err := s.client.SRem(ctx, s.idxKey(f, formatValue(ov)), id).Err(); err != nil {
			return false, s.wrap("update", err)
		}
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
	if err := s.write(ctx, e, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	docs, err := s.findDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range docs {
		ok, err := s.Update(ctx, d.id, patch)
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
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("delete", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		doc = nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(id), s.metaKey(id))
	for _, f := range s.indexFieldsFor(doc) {
		if v, ok := doc[f]; ok && v != nil {
			pipe.SRem(ctx, s.idxKey(f, formatValue(v)), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, s.wrap("delete", err)
	}
	return true, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	docs, err := s.findDocs(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	for _, d := range docs {
		pipe.Del(ctx, s.key(d.id), s.metaKey(d.id))
		for _, f := range s.indexFieldsFor(d.doc) {
			if v, ok := d.doc[f]; ok && v != nil {
				pipe.SRem(ctx, s.idxKey(f, formatValue(v)), d.id)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.wrap("delete many", err)
	}
	return int64(len(docs)), nil
}
