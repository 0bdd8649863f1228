package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

// Expire resets the lifetime of one cached document and its metadata.
// A non-positive ttl removes the expiry. Returns false when the id is not
// cached.
func (s *Store) Expire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, s.wrap("expire", err)
	}
	if n == 0 {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}

	pipe := s.client.Pipeline()
	if ttl > 0 {
		pipe.Expire(ctx, s.key(id), ttl)
		pipe.Expire(ctx, s.metaKey(id), ttl)
	} else {
		pipe.Persist(ctx, s.key(id))
		pipe.Persist(ctx, s.metaKey(id))
	}
	pipe.HSet(ctx, s.metaKey(id), map[string]any{
		"ttl":          int64(ttl / time.Second),
		"last_touched": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, s.wrap("expire", err)
	}
	return true, nil
}

// Touch re-applies the lifetime recorded in the metadata hash, refreshing
// the document's lease without rewriting it. Returns false when the id is
// not cached.
func (s *Store) Touch(ctx context.Context, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	v, err := s.client.HGet(ctx, s.metaKey(id), "ttl").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("touch", err)
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		secs = 0
	}
	return s.Expire(ctx, id, time.Duration(secs)*time.Second)
}

// ClearCollection deletes every key the collection owns: documents,
// metadata hashes, and index sets. Returns the number of keys removed.
func (s *Store) ClearCollection(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.desc.Path+":*", 256).Result()
		if err != nil {
			return deleted, s.wrap("clear", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, s.wrap("clear", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// CreateIndexes rebuilds the membership sets for the model's declared index
// fields from the documents currently cached. Existing memberships are kept;
// SADD is idempotent.
func (s *Store) CreateIndexes(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	fields := s.desc.IndexedFields()
	if len(fields) == 0 {
		return nil
	}
	ids, err := s.scanIDs(ctx)
	if err != nil {
		return err
	}
	docs, err := s.fetchDocs(ctx, ids, nil)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, d := range docs {
		for _, f := range fields {
			if v, ok := d.doc[f]; ok && v != nil {
				pipe.SAdd(ctx, s.idxKey(f, formatValue(v)), d.id)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap("create indexes", err)
	}
	return nil
}

// RawRead runs a native Redis command, e.g. "HGETALL articles:meta:a1".
// Params append as trailing arguments and are bound, never spliced into the
// text.
func (s *Store) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	args := rawArgs(text, params)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command: %w", storage.ErrQuery)
	}
	v, err := s.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("raw read", err)
	}
	return rawRows(v), nil
}

// RawWrite runs a native Redis command and reports how many keys or members
// it touched when the reply is numeric, else 1 for a plain success reply.
func (s *Store) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	args := rawArgs(text, params)
	if len(args) == 0 {
		return 0, fmt.Errorf("empty command: %w", storage.ErrQuery)
	}
	v, err := s.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("raw write", err)
	}
	if n, ok := v.(int64); ok {
		return n, nil
	}
	return 1, nil
}

func rawArgs(text string, params []any) []any {
	fields := strings.Fields(text)
	args := make([]any, 0, len(fields)+len(params))
	for _, f := range fields {
		args = append(args, f)
	}
	return append(args, params...)
}

func rawRows(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(t))
		for i, item := range t {
			rows = append(rows, map[string]any{"index": i, "value": item})
		}
		return rows
	case map[any]any:
		row := make(map[string]any, len(t))
		for k, val := range t {
			row[fmt.Sprintf("%v", k)] = val
		}
		return []map[string]any{row}
	case map[string]any:
		return []map[string]any{t}
	}
	return []map[string]any{{"value": v}}
}

func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{strconv.Itoa(s.ropts.DB)}, nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	return []string{"default"}, nil
}

func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	return []string{s.desc.Path}, nil
}

func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ids, err := s.scanIDs(ctx)
	if err != nil {
		return nil, err
	}
	info := &storage.ModelInfo{
		Name: s.desc.Name,
		Path: s.desc.Path,
		Kind: s.Kind(),
		Options: map[string]any{
			"documents":   len(ids),
			"default_ttl": s.ttl.String(),
		},
	}
	for _, f := range s.desc.IndexedFields() {
		info.Indexes = append(info.Indexes, fmt.Sprintf("%s:idx:%s", s.desc.Path, f))
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
