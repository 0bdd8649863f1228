// Package vector implements the DAO contract over PostgreSQL with the
// pgvector extension. Each model maps to one table of (id, data JSONB,
// embedding vector(D)) rows; writes embed the entity's textual fields and
// upsert, reads decode the JSONB document, and ranked search orders by the
// <-> distance operator.
//
// Files:
//   - vector.go: store construction, connect, schema and index DDL, error mapping
//   - crud.go: create/read/update/delete and the embed-and-upsert write path
//   - query.go: filter translation to SQL over data->'field'
//   - search.go: vector and semantic search
//   - admin.go: index creation, raw SQL, introspection
package vector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/storage/pgcommon"
	"github.com/polystore/polystore/internal/workerpool"
)

const (
	// DefaultMinConns and DefaultMaxConns bound the pgx pool.
	DefaultMinConns = 2
	DefaultMaxConns = 10

	// DefaultSearchLimit applies when a search caller passes limit <= 0.
	DefaultSearchLimit = 10

	// ivfflatLists is the cluster count for the embedding index.
	ivfflatLists = 100
)

// Options tunes one vector store. Zero values mean defaults.
type Options struct {
	// Dimension sets the embedding width when no Embedder is given.
	Dimension int
	// Embedder turns text into vectors. Its dimension defines the
	// embedding column; defaults to a hash embedder.
	Embedder embedding.Embedder
	// MinConns and MaxConns bound the connection pool.
	MinConns int
	MaxConns int
	// Workers, when set, hosts embedding calls off the caller's goroutine.
	Workers *workerpool.Pool
}

// Store is a pgvector-backed DAO for one model.
type Store struct {
	desc     *model.Descriptor
	binding  model.Binding
	name     string
	table    string
	dim      int
	embedder embedding.Embedder
	workers  *workerpool.Pool
	minConns int32
	maxConns int32

	pool *pgxpool.Pool
}

// New builds an unconnected store for one vector binding. The binding's
// connection string wins over host/port fields when both are set.
func New(desc *model.Descriptor, binding model.NamedBinding, opts Options) (*Store, error) {
	b := binding.Binding
	if !query.ValidIdent(desc.Path) {
		return nil, fmt.Errorf("binding %q: table name %q: %w", binding.Name, desc.Path, storage.ErrConfiguration)
	}
	emb := opts.Embedder
	if emb == nil {
		dim := opts.Dimension
		if dim <= 0 {
			dim = embedding.DefaultDimension
		}
		emb = embedding.NewHashEmbedder(dim)
	}
	minConns := opts.MinConns
	if minConns <= 0 {
		minConns = b.IntOption("min_conns", DefaultMinConns)
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = b.IntOption("max_conns", DefaultMaxConns)
	}
	if maxConns < minConns {
		maxConns = minConns
	}
	return &Store{
		desc:     desc,
		binding:  b,
		name:     binding.Name,
		table:    desc.Path,
		dim:      emb.Dimension(),
		embedder: emb,
		workers:  opts.Workers,
		minConns: int32(minConns),
		maxConns: int32(maxConns),
	}, nil
}

func (s *Store) Kind() model.Kind         { return model.KindVector }
func (s *Store) Model() *model.Descriptor { return s.desc }

func (s *Store) Connect(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}
	pool, err := pgcommon.Connect(ctx, s.name, s.binding, s.minConns, s.maxConns)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
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
		return fmt.Errorf("vector %s: not connected: %w", s.desc.Name, storage.ErrConnection)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := append([]string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"CREATE EXTENSION IF NOT EXISTS pg_trgm",
		s.createTableSQL(),
	}, s.indexSQL()...)
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return s.wrap("ensure schema for", err)
		}
	}
	return nil
}

func (s *Store) ident() string { return pgx.Identifier{s.table}.Sanitize() }

func (s *Store) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	embedding vector(%d),
	created_at TIMESTAMP DEFAULT now(),
	updated_at TIMESTAMP DEFAULT now()
)`, s.ident(), s.dim)
}

// indexSQL renders the embedding index plus one index per declared field:
// gin_trgm_ops for fulltext fields, a btree on the extracted value
// otherwise. Vector-kind declarations are covered by the embedding index.
func (s *Store) indexSQL() []string {
	out := []string{fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
		pgx.Identifier{"idx_" + s.table + "_embedding"}.Sanitize(), s.ident(), ivfflatLists)}
	for _, idx := range s.desc.Indexes {
		if !query.ValidIdent(idx.Field) {
			debug.Logf("vector: skipping index on unsafe field %q", idx.Field)
			continue
		}
		switch idx.Kind {
		case model.IndexVector:
			continue
		case model.IndexFulltext:
			out = append(out, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s USING gin ((data->>'%s') gin_trgm_ops)",
				pgx.Identifier{"idx_" + s.table + "_" + idx.Field + "_trgm"}.Sanitize(), s.ident(), idx.Field))
		default:
			out = append(out, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s ((data->'%s'))",
				pgx.Identifier{"idx_" + s.table + "_" + idx.Field}.Sanitize(), s.ident(), idx.Field))
		}
	}
	return out
}

func (s *Store) wrap(op string, err error) error {
	return pgcommon.Wrap(op, s.table, err)
}

var _ storage.DAO = (*Store)(nil)
