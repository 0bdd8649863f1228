// Package cache implements the DAO contract over Redis. Documents are JSON
// values under {collection}:{id}, each with a companion metadata hash
// {collection}:meta:{id} (created_at, updated_at, ttl, size, last_accessed,
// last_touched) and per-indexed-field membership sets
// {collection}:idx:{field}:{value} that serve equality queries without a
// scan.
//
// Files:
//   - cache.go: store construction, connect/disconnect, keys, error mapping
//   - crud.go: create/read/update/delete and the document write path
//   - query.go: index-set lookup, prefix scan, fetch and match
//   - admin.go: TTL operations, clear, index rebuild, raw commands, introspection
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/timeparsing"
	"github.com/polystore/polystore/internal/types"
)

const (
	// DefaultTTL bounds every cached document unless the entity carries an
	// explicit _ttl override.
	DefaultTTL = 24 * time.Hour

	// DefaultPoolSize caps the go-redis connection pool.
	DefaultPoolSize = 50
)

// Options tunes one cache store. Zero values mean defaults.
type Options struct {
	// TTL replaces DefaultTTL as the fallback document lifetime.
	TTL time.Duration
	// PoolSize replaces DefaultPoolSize.
	PoolSize int
}

// Store is a Redis-backed DAO for one model.
type Store struct {
	desc    *model.Descriptor
	binding model.Binding
	name    string
	ropts   *redis.Options
	ttl     time.Duration

	client *redis.Client
}

// New builds an unconnected store for one cache binding. The binding's
// connection string wins over host/port fields when both are set.
func New(desc *model.Descriptor, binding model.NamedBinding, opts Options) (*Store, error) {
	b := binding.Binding
	var ropts *redis.Options
	if b.ConnString != "" {
		parsed, err := redis.ParseURL(b.ConnString)
		if err != nil {
			return nil, fmt.Errorf("binding %q: invalid redis URL: %v: %w", binding.Name, err, storage.ErrConfiguration)
		}
		ropts = parsed
	} else {
		db := 0
		if b.Database != "" {
			n, err := strconv.Atoi(b.Database)
			if err != nil {
				return nil, fmt.Errorf("binding %q: redis database %q is not an index: %w",
					binding.Name, b.Database, storage.ErrConfiguration)
			}
			db = n
		}
		ropts = &redis.Options{
			Addr:     b.Addr(),
			Username: b.Username,
			Password: b.Password,
			DB:       db,
		}
	}
	if b.Timeout > 0 {
		ropts.DialTimeout = b.Timeout
		ropts.ReadTimeout = b.Timeout
		ropts.WriteTimeout = b.Timeout
	}
	ropts.PoolSize = opts.PoolSize
	if ropts.PoolSize <= 0 {
		ropts.PoolSize = b.IntOption("pool_size", DefaultPoolSize)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{desc: desc, binding: b, name: binding.Name, ropts: ropts, ttl: ttl}, nil
}

func (s *Store) Kind() model.Kind         { return model.KindCache }
func (s *Store) Model() *model.Descriptor { return s.desc }

func (s *Store) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client := redis.NewClient(s.ropts)
	pingCtx := ctx
	if s.binding.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, s.binding.Timeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping %s: %v: %w", s.ropts.Addr, err, storage.ErrConnection)
	}
	s.client = client
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %v: %w", err, storage.ErrConnection)
	}
	return nil
}

func (s *Store) check() error {
	if s.client == nil {
		return fmt.Errorf("cache %s: not connected: %w", s.desc.Name, storage.ErrConnection)
	}
	return nil
}

func (s *Store) key(id string) string     { return s.desc.Path + ":" + id }
func (s *Store) metaKey(id string) string { return s.desc.Path + ":meta:" + id }

func (s *Store) idxKey(field, value string) string {
	return s.desc.Path + ":idx:" + field + ":" + value
}

// wrap maps driver errors onto the storage taxonomy.
func (s *Store) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, storage.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: canceled: %w", op, storage.ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %v: %w", op, err, storage.ErrConnection)
	}
	return fmt.Errorf("%s: %v: %w", op, err, storage.ErrStorage)
}

// ttlFor resolves the lifetime for one document: an explicit _ttl field
// (numeric seconds or a duration string) wins; zero or negative means no
// expiry; otherwise the store default applies.
func (s *Store) ttlFor(doc map[string]any) time.Duration {
	v, ok := doc[types.FieldTTL]
	if !ok {
		return s.ttl
	}
	var ttl time.Duration
	switch t := v.(type) {
	case time.Duration:
		ttl = t
	case int:
		ttl = time.Duration(t) * time.Second
	case int64:
		ttl = time.Duration(t) * time.Second
	case float64:
		ttl = time.Duration(t * float64(time.Second))
	case string:
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			ttl = time.Duration(secs * float64(time.Second))
			break
		}
		// Human forms: "90s", "1h30m", "1d", "2w".
		d, err := timeparsing.ParseTTL(t)
		if err != nil {
			return s.ttl
		}
		ttl = d
	default:
		return s.ttl
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

// indexFieldsFor returns the fields whose values feed membership sets: an
// explicit _index_fields list on the document wins, else the model's
// declared index fields.
func (s *Store) indexFieldsFor(doc map[string]any) []string {
	switch list := doc[types.FieldIndexes].(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, v := range list {
			if f, ok := v.(string); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return s.desc.IndexedFields()
}

// formatValue renders a scalar the same way before and after a JSON round
// trip, so index-set keys built at write time match lookups against decoded
// values. Integral floats collapse to their integer spelling.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return formatValue(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}

var _ storage.DAO = (*Store)(nil)
