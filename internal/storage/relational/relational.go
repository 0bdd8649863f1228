// Package relational implements the DAO contract on PostgreSQL with real
// typed columns. The table is created lazily from the first written
// payload, with column types inferred from the Go values; later payloads
// widen it with ALTER TABLE ADD COLUMN. Reserved and unsafe field names
// ride in a catch-all _metadata jsonb column so documents round-trip
// losslessly.
//
// Files: relational.go (store, pool lifecycle, column cache), schema.go
// (type inference and DDL), crud.go (entity operations), query.go (typed
// query translation over live columns), admin.go (indexes, raw access,
// introspection).
package relational

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
)

const (
	// DefaultMinConns and DefaultMaxConns size the pool for relational
	// bindings. Schema inference issues DDL from the write path, so the
	// ceiling is wider than the vector adapter's.
	DefaultMinConns = 2
	DefaultMaxConns = 20
)

// Catalog type names as information_schema.columns reports them.
const (
	typeText      = "text"
	typeBool      = "boolean"
	typeBigint    = "bigint"
	typeDouble    = "double precision"
	typeTimestamp = "timestamp with time zone"
	typeJSONB     = "jsonb"
)

// Options tunes a Store beyond what the binding declares.
type Options struct {
	MinConns int
	MaxConns int
}

type colInfo struct {
	typ      string
	nullable bool
}

// Store is the relational DAO for one model on one PostgreSQL binding.
type Store struct {
	desc    *model.Descriptor
	binding model.Binding
	name    string
	table   string

	minConns int32
	maxConns int32

	pool *pgxpool.Pool

	// cols caches the live column set; nil means the table does not exist
	// yet. Replaced wholesale under mu, never mutated in place.
	mu    sync.Mutex
	cols  map[string]colInfo
	order []string
}

// New builds a Store for desc on the given binding. The pool is not opened
// until Connect.
func New(desc *model.Descriptor, binding model.NamedBinding, opts Options) (*Store, error) {
	if !query.ValidIdent(desc.Path) {
		return nil, fmt.Errorf("binding %q: table name %q: %w", binding.Name, desc.Path, storage.ErrConfiguration)
	}
	b := binding.Binding
	minConns := int32(opts.MinConns)
	if minConns <= 0 {
		minConns = int32(b.IntOption("min_conns", DefaultMinConns))
	}
	maxConns := int32(opts.MaxConns)
	if maxConns <= 0 {
		maxConns = int32(b.IntOption("max_conns", DefaultMaxConns))
	}
	if maxConns < minConns {
		maxConns = minConns
	}
	return &Store{
		desc:     desc,
		binding:  b,
		name:     binding.Name,
		table:    desc.Path,
		minConns: minConns,
		maxConns: maxConns,
	}, nil
}

func (s *Store) Kind() model.Kind         { return model.KindRelational }
func (s *Store) Model() *model.Descriptor { return s.desc }

// Connect opens the pool and seeds the column cache from an existing
// table. The table itself is created on first write.
func (s *Store) Connect(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}
	pool, err := pgcommon.Connect(ctx, s.name, s.binding, s.minConns, s.maxConns)
	if err != nil {
		return err
	}
	s.pool = pool
	if err := s.refreshColumns(ctx); err != nil {
		pool.Close()
		s.pool = nil
		return err
	}
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.wrap("ping", s.pool.Ping(ctx))
}

func (s *Store) check() error {
	if s.pool == nil {
		return fmt.Errorf("relational %s: not connected: %w", s.table, storage.ErrConnection)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return pgcommon.Wrap(op, s.table, err)
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// refreshColumns reloads the column cache from the catalog.
func (s *Store) refreshColumns(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`,
		s.table)
	if err != nil {
		return s.wrap("inspect", err)
	}
	defer rows.Close()
	cols := make(map[string]colInfo)
	var order []string
	for rows.Next() {
		var name, typ, nullable string
		if err := rows.Scan(&name, &typ, &nullable); err != nil {
			return s.wrap("inspect", err)
		}
		cols[name] = colInfo{typ: strings.ToLower(typ), nullable: nullable != "NO"}
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return s.wrap("inspect", err)
	}
	s.mu.Lock()
	if len(cols) == 0 {
		s.cols, s.order = nil, nil
	} else {
		s.cols, s.order = cols, order
	}
	s.mu.Unlock()
	return nil
}

// columns returns the current cache snapshot; nil when the table is not
// created yet.
func (s *Store) columns() map[string]colInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols
}

var _ storage.DAO = (*Store)(nil)
