// Package pgcommon holds the pgx plumbing shared by the PostgreSQL-backed
// adapters: pool construction with binding-derived tuning, driver error
// classification into the storage taxonomy, and generic row collection.
package pgcommon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/storage"
)

// Connect builds, pings and returns a pool for one binding. name is the
// binding name, used in error messages only.
func Connect(ctx context.Context, name string, b model.Binding, minConns, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(model.ConnString(b))
	if err != nil {
		return nil, fmt.Errorf("binding %q: invalid postgres URL: %v: %w", name, err, storage.ErrConfiguration)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns
	if b.Timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = b.Timeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool %s: %v: %w", b.Addr(), err, storage.ErrConnection)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping %s: %v: %w", b.Addr(), err, storage.ErrConnection)
	}
	return pool, nil
}

// Wrap classifies a driver error into the storage taxonomy, keyed by the
// SQLSTATE class for server errors.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", op, table, storage.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s %s: canceled: %w", op, table, storage.ErrTimeout)
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s %s: %w", op, table, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrDuplicate)
		case pgErr.Code == pgerrcode.InvalidPassword,
			pgErr.Code == pgerrcode.InvalidAuthorizationSpecification:
			return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrPermission)
		case pgerrcode.IsConnectionException(pgErr.Code):
			return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrConnection)
		case pgerrcode.IsTransactionRollback(pgErr.Code):
			return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrTransaction)
		case pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code),
			pgerrcode.IsDataException(pgErr.Code):
			return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrQuery)
		}
		return fmt.Errorf("%s %s: %v: %w", op, table, pgErr, storage.ErrStorage)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s %s: %v: %w", op, table, err, storage.ErrConnection)
	}
	return fmt.Errorf("%s %s: %v: %w", op, table, err, storage.ErrStorage)
}

// UndefinedTable reports whether err is the server rejecting a reference to
// a table that does not exist yet. Lazily created schemas treat this as an
// empty table on the read path.
func UndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}

// CollectRows drains rows into column-keyed maps using the driver's
// default decoding.
func CollectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	fds := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fds))
		for i, fd := range fds {
			row[fd.Name] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Databases lists the non-template databases on the server.
func Databases(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	return ListColumn(ctx, pool, `SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname`)
}

// Schemas lists the schemas in the connected database.
func Schemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	return ListColumn(ctx, pool, `SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`)
}

// Tables lists the public-schema tables in the connected database.
func Tables(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	return ListColumn(ctx, pool, `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
}

// ListColumn drains a single-text-column result.
func ListColumn(ctx context.Context, pool *pgxpool.Pool, sql string, params ...any) ([]string, error) {
	rows, err := pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Number reports v as a float64 when it is any numeric type, including a
// json.Number.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Text renders a scalar the way the jsonb ->> operator extracts it from a
// stored document, so bound parameters compare against extracted text.
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	if f, ok := Number(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
