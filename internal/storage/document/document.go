// Package document stores whole JSON documents in SQLite, one table per
// model of (id, body, created_at, updated_at) rows. The body column holds
// the document verbatim; filtering runs the typed matcher in process after
// a SQL pass narrows the candidate rows, so query semantics are identical
// to the memory backend's.
//
// Layout:
//   - document.go: Store, constructor, lifecycle, error wrapping
//   - crud.go: DAO read/write operations
//   - narrow.go: candidate-narrowing SQL for the typed query union
//   - admin.go: indexes, raw passthrough, introspection
package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
)

func init() {
	// Compiling the SQLite WASM module costs a couple hundred milliseconds;
	// a filesystem cache cuts reopens to tens. Fall back to an in-memory
	// cache when the cache dir is unavailable.
	cache := wazero.NewCompilationCache()
	if dir, err := os.UserCacheDir(); err == nil {
		if c, err := wazero.NewCompilationCacheWithDir(filepath.Join(dir, "polystore", "wasm")); err == nil {
			cache = c
		}
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// Options tunes a document store beyond what the binding carries.
type Options struct {
	// MaxConns caps the connection pool for file-backed databases.
	// In-memory databases are pinned to a single connection regardless.
	MaxConns int
}

// Store is the SQLite-backed DAO for one model.
type Store struct {
	desc     *model.Descriptor
	binding  model.Binding
	name     string
	table    string
	maxConns int

	db   *sql.DB
	path string
}

var _ storage.DAO = (*Store)(nil)

// New builds a disconnected store. The binding's database field is the
// file path; ":memory:" selects a shared in-memory database.
func New(desc *model.Descriptor, binding model.NamedBinding, opts Options) (*Store, error) {
	if !query.ValidIdent(desc.Path) {
		return nil, fmt.Errorf("binding %q: table name %q: %w", binding.Name, desc.Path, storage.ErrConfiguration)
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = binding.Binding.IntOption("max_conns", 0)
	}
	return &Store{
		desc:     desc,
		binding:  binding.Binding,
		name:     binding.Name,
		table:    desc.Path,
		maxConns: maxConns,
	}, nil
}

func (s *Store) Kind() model.Kind         { return model.KindDocument }
func (s *Store) Model() *model.Descriptor { return s.desc }

// Path returns the resolved database location after Connect.
func (s *Store) Path() string { return s.path }

// Connect opens the database, applies the connection pragmas, and creates
// the model's table if it is missing.
func (s *Store) Connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	path := model.ConnString(s.binding)
	connStr, inMemory, err := s.connString(path)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("document %s: open %s: %v: %w", s.name, path, err, storage.ErrConnection)
	}
	if inMemory {
		// Shared-cache in-memory databases are scoped to their connections;
		// a pool of one keeps every statement on the same database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := s.maxConns
		if maxConns <= 0 {
			maxConns = runtime.NumCPU() + 1
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return fmt.Errorf("document %s: enable WAL: %v: %w", s.name, err, storage.ErrConnection)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("document %s: ping %s: %v: %w", s.name, path, err, storage.ErrConnection)
	}
	if err := ensureSchema(ctx, db, s.table); err != nil {
		db.Close()
		return err
	}
	s.db = db
	s.path = path
	return nil
}

// connString renders the database URI with the standard pragmas. Foreign
// keys stay on, writers wait out lock contention, and times round-trip in
// SQLite's native text format.
func (s *Store) connString(path string) (connStr string, inMemory bool, err error) {
	const pragmas = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	switch {
	case path == "":
		return "", false, fmt.Errorf("document %s: binding has no database path: %w", s.name, storage.ErrConfiguration)
	case path == ":memory:":
		// Named so cache=shared links connections to the same database.
		// WAL does not work in memory, so journaling stays on DELETE.
		name := s.table + "_mem"
		return "file:" + name + "?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&" + pragmas, true, nil
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			connStr += sep + pragmas
		}
		return connStr, strings.Contains(path, "mode=memory"), nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", false, fmt.Errorf("document %s: create directory: %v: %w", s.name, err, storage.ErrConfiguration)
		}
		return "file:" + path + "?" + pragmas, false, nil
	}
}

func ensureSchema(ctx context.Context, db *sql.DB, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    body TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at)", table, table),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %v: %w", table, err, storage.ErrStorage)
		}
	}
	return nil
}

// Disconnect checkpoints the WAL and closes the database. Without the
// checkpoint, writes can strand in the WAL between process runs.
func (s *Store) Disconnect(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) check() error {
	if s.db == nil {
		return fmt.Errorf("document %s: not connected: %w", s.name, storage.ErrConnection)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back unless it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// wrap classifies a driver error onto the storage taxonomy. SQLite reports
// conditions in its message text, so classification matches on the stable
// phrases rather than a code enum.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := storage.ErrorKind(err); kind != "storage" {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", op, s.table, storage.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s %s: canceled: %w", op, s.table, storage.ErrTimeout)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s %s: %w", op, s.table, storage.ErrNotFound)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrDuplicate)
	case strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrValidation)
	case strings.Contains(msg, "syntax error"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such function"):
		return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrQuery)
	case strings.Contains(msg, "unable to open database"),
		strings.Contains(msg, "file is not a database"):
		return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrConnection)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrTransaction)
	}
	return fmt.Errorf("%s %s: %v: %w", op, s.table, err, storage.ErrStorage)
}
