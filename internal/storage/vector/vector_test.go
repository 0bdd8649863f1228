package vector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
)

func articleModel() *model.Descriptor {
	return &model.Descriptor{
		Name:    "Article",
		Path:    "articles",
		IDField: "id",
		Bindings: []model.NamedBinding{
			{Name: "vec", Binding: model.Binding{Kind: model.KindVector, Host: "localhost", Database: "polystore"}},
		},
		Indexes: []model.Index{
			{Field: "title", Kind: model.IndexFulltext},
			{Field: "section", Kind: model.IndexHash},
			{Field: "embedding", Kind: model.IndexVector},
		},
		Fields: []model.FieldSpec{
			{Name: "title", Type: model.FieldString, Required: true},
			{Name: "section", Type: model.FieldString},
			{Name: "pages", Type: model.FieldInt},
		},
	}
}

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	desc := articleModel()
	s, err := New(desc, desc.Bindings[0], opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestTranslateFilters(t *testing.T) {
	tests := []struct {
		name string
		q    query.Query
		sql  string
		args []any
	}{
		{
			name: "all",
			q:    query.All(),
			sql:  "",
		},
		{
			name: "eq string",
			q:    query.Eq{Field: "author", Value: "north"},
			sql:  `(data->>'author' = $1 OR data->'author' @> $2::jsonb)`,
			args: []any{"north", `["north"]`},
		},
		{
			name: "eq bool",
			q:    query.Eq{Field: "archived", Value: true},
			sql:  "(data->>'archived')::boolean = $1",
			args: []any{true},
		},
		{
			name: "eq int",
			q:    query.Eq{Field: "pages", Value: 90},
			sql:  "(data->>'pages')::numeric = $1",
			args: []any{float64(90)},
		},
		{
			name: "eq null",
			q:    query.Eq{Field: "deleted_at", Value: nil},
			sql:  "data->>'deleted_at' IS NULL",
		},
		{
			name: "gte",
			q:    query.Cmp{Op: query.OpGte, Field: "pages", Value: 100},
			sql:  "(data->>'pages')::numeric >= $1",
			args: []any{float64(100)},
		},
		{
			name: "lt time",
			q:    query.Cmp{Op: query.OpLt, Field: "published_at", Value: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
			sql:  "data->>'published_at' < $1",
			args: []any{"2026-03-01T00:00:00Z"},
		},
		{
			name: "ne string",
			q:    query.Cmp{Op: query.OpNe, Field: "author", Value: "north"},
			sql:  "data->>'author' IS DISTINCT FROM $1",
			args: []any{"north"},
		},
		{
			name: "ne null",
			q:    query.Cmp{Op: query.OpNe, Field: "author", Value: nil},
			sql:  "data->>'author' IS NOT NULL",
		},
		{
			name: "in numbers",
			q:    query.In{Field: "pages", Values: []any{90, 120}},
			sql:  "(data->>'pages')::numeric IN ($1, $2)",
			args: []any{float64(90), float64(120)},
		},
		{
			name: "in strings",
			q:    query.In{Field: "section", Values: []any{"go", "sql"}},
			sql:  `(data->>'section' IN ($1, $2) OR data->'section' @> $3::jsonb OR data->'section' @> $4::jsonb)`,
			args: []any{"go", "sql", `["go"]`, `["sql"]`},
		},
		{
			name: "in empty",
			q:    query.In{Field: "section", Values: nil},
			sql:  "FALSE",
		},
		{
			name: "in with null",
			q:    query.In{Field: "tag", Values: []any{"a", nil}},
			sql:  `((data->>'tag' IN ($1) OR data->'tag' @> $2::jsonb) OR data->>'tag' IS NULL)`,
			args: []any{"a", `["a"]`},
		},
		{
			name: "regex",
			q:    query.Regex{Field: "title", Pattern: "^Deep"},
			sql:  "data->>'title' ~ $1",
			args: []any{"^Deep"},
		},
		{
			name: "and",
			q: query.And{Terms: []query.Query{
				query.Eq{Field: "author", Value: "north"},
				query.Cmp{Op: query.OpGt, Field: "pages", Value: 50},
			}},
			sql:  `((data->>'author' = $1 OR data->'author' @> $2::jsonb) AND (data->>'pages')::numeric > $3)`,
			args: []any{"north", `["north"]`, float64(50)},
		},
		{
			name: "single-term and drops parens",
			q:    query.And{Terms: []query.Query{query.Cmp{Op: query.OpGte, Field: "pages", Value: 10}}},
			sql:  "(data->>'pages')::numeric >= $1",
			args: []any{float64(10)},
		},
		{
			name: "or",
			q: query.Or{Terms: []query.Query{
				query.Eq{Field: "pages", Value: 90},
				query.Eq{Field: "pages", Value: 120},
			}},
			sql:  "((data->>'pages')::numeric = $1 OR (data->>'pages')::numeric = $2)",
			args: []any{float64(90), float64(120)},
		},
		{
			name: "empty or matches nothing",
			q:    query.Or{},
			sql:  "FALSE",
		},
		{
			name: "dotted path reaches list elements",
			q:    query.Eq{Field: "acl.principal_id", Value: "user_1"},
			sql:  `(data#>>'{acl,principal_id}' = $1 OR data->'acl' @> $2::jsonb)`,
			args: []any{"user_1", `[{"principal_id":"user_1"}]`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := translate(tt.q)
			if err != nil {
				t.Fatalf("translate: %v", err)
			}
			if sql != tt.sql {
				t.Errorf("sql = %q, want %q", sql, tt.sql)
			}
			if len(args) != 0 || len(tt.args) != 0 {
				if !reflect.DeepEqual(args, tt.args) {
					t.Errorf("args = %v, want %v", args, tt.args)
				}
			}
		})
	}
}

func TestTranslateRejectsUnsafeInput(t *testing.T) {
	bad := []query.Query{
		query.Eq{Field: "title; DROP TABLE articles", Value: "x"},
		query.Regex{Field: "a b", Pattern: "x"},
		query.Cmp{Op: query.OpGt, Field: "pages", Value: nil},
		query.Cmp{Op: query.CmpOp("$near"), Field: "pages", Value: 1},
	}
	for _, q := range bad {
		if _, _, err := translate(q); !errors.Is(err, storage.ErrQuery) {
			t.Errorf("translate(%#v) err = %v, want ErrQuery", q, err)
		}
	}
}

func TestTableDDL(t *testing.T) {
	s := testStore(t, Options{Dimension: 64})
	ddl := s.createTableSQL()
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "articles"`,
		"id TEXT PRIMARY KEY",
		"data JSONB NOT NULL",
		"embedding vector(64)",
		"created_at TIMESTAMP DEFAULT now()",
		"updated_at TIMESTAMP DEFAULT now()",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("table DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestIndexDDL(t *testing.T) {
	s := testStore(t, Options{Dimension: 64})
	stmts := s.indexSQL()
	joined := strings.Join(stmts, "\n")

	if want := `USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`; !strings.Contains(stmts[0], want) {
		t.Errorf("first index is not the embedding index: %s", stmts[0])
	}
	if want := `USING gin ((data->>'title') gin_trgm_ops)`; !strings.Contains(joined, want) {
		t.Errorf("missing trigram index for fulltext field:\n%s", joined)
	}
	if want := `"idx_articles_section" ON "articles" ((data->'section'))`; !strings.Contains(joined, want) {
		t.Errorf("missing btree index for section:\n%s", joined)
	}
	// The vector-kind declaration is covered by the embedding index.
	if len(stmts) != 3 {
		t.Errorf("got %d index statements, want 3:\n%s", len(stmts), joined)
	}
}

func TestIndexDDLSkipsUnsafeFields(t *testing.T) {
	desc := articleModel()
	desc.Indexes = append(desc.Indexes, model.Index{Field: "x'); DROP TABLE articles; --", Kind: model.IndexHash})
	s, err := New(desc, desc.Bindings[0], Options{Dimension: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, stmt := range s.indexSQL() {
		if strings.Contains(stmt, "DROP TABLE") {
			t.Fatalf("unsafe field reached DDL: %s", stmt)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	s := testStore(t, Options{})
	if s.dim != embedding.DefaultDimension {
		t.Errorf("dim = %d, want %d", s.dim, embedding.DefaultDimension)
	}
	if s.minConns != DefaultMinConns || s.maxConns != DefaultMaxConns {
		t.Errorf("conns = %d..%d, want %d..%d", s.minConns, s.maxConns, DefaultMinConns, DefaultMaxConns)
	}

	s = testStore(t, Options{MinConns: 5, MaxConns: 3})
	if s.minConns != 5 || s.maxConns != 5 {
		t.Errorf("conns = %d..%d, want max clamped to min", s.minConns, s.maxConns)
	}

	desc := articleModel()
	desc.Bindings[0].Binding.Options = map[string]any{"min_conns": 4, "max_conns": 16}
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.minConns != 4 || s.maxConns != 16 {
		t.Errorf("conns = %d..%d, want binding options 4..16", s.minConns, s.maxConns)
	}

	desc = articleModel()
	desc.Path = "bad table"
	if _, err := New(desc, desc.Bindings[0], Options{}); !errors.Is(err, storage.ErrConfiguration) {
		t.Errorf("New with unsafe path err = %v, want ErrConfiguration", err)
	}
}

func TestEmbedderDimensionWins(t *testing.T) {
	s := testStore(t, Options{Dimension: 1024, Embedder: embedding.NewHashEmbedder(32)})
	if s.dim != 32 {
		t.Errorf("dim = %d, want the embedder's 32", s.dim)
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	s := testStore(t, Options{Dimension: 8})
	tests := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: "23505"}, storage.ErrDuplicate},
		{&pgconn.PgError{Code: "28P01"}, storage.ErrPermission},
		{&pgconn.PgError{Code: "28000"}, storage.ErrPermission},
		{&pgconn.PgError{Code: "08006"}, storage.ErrConnection},
		{&pgconn.PgError{Code: "42601"}, storage.ErrQuery},
		{&pgconn.PgError{Code: "22P02"}, storage.ErrQuery},
		{&pgconn.PgError{Code: "40001"}, storage.ErrTransaction},
		{pgx.ErrNoRows, storage.ErrNotFound},
		{context.DeadlineExceeded, storage.ErrTimeout},
		{context.Canceled, storage.ErrTimeout},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"}), storage.ErrDuplicate},
		{errors.New("boom"), storage.ErrStorage},
	}
	for _, tt := range tests {
		if got := s.wrap("op", tt.err); !errors.Is(got, tt.want) {
			t.Errorf("wrap(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if s.wrap("op", nil) != nil {
		t.Error("wrap(nil) should be nil")
	}
}

func TestDisconnectedStoreRefusesWork(t *testing.T) {
	s := testStore(t, Options{Dimension: 8})
	ctx := context.Background()
	if err := s.Ping(ctx); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Ping err = %v, want ErrConnection", err)
	}
	if _, err := s.FindByID(ctx, "article_x"); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("FindByID err = %v, want ErrConnection", err)
	}
	if _, err := s.VectorSearch(ctx, make([]float32, 8), 5); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("VectorSearch err = %v, want ErrConnection", err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect on never-connected store: %v", err)
	}
}
