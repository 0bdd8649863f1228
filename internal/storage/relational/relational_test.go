package relational

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

func runModel() *model.Descriptor {
	return &model.Descriptor{
		Name:    "Run",
		Path:    "runs",
		IDField: "id",
		Bindings: []model.NamedBinding{
			{Name: "rel", Binding: model.Binding{Kind: model.KindRelational, Host: "localhost", Database: "polystore"}},
		},
		Indexes: []model.Index{
			{Field: "status", Kind: model.IndexHash},
		},
		Fields: []model.FieldSpec{
			{Name: "status", Type: model.FieldString},
			{Name: "attempts", Type: model.FieldInt},
		},
	}
}

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	desc := runModel()
	s, err := New(desc, desc.Bindings[0], opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSQLTypeInference(t *testing.T) {
	tests := []struct {
		value any
		typ   string
		ok    bool
	}{
		{"x", "TEXT", true},
		{true, "BOOLEAN", true},
		{42, "BIGINT", true},
		{int64(42), "BIGINT", true},
		{3.14, "DOUBLE PRECISION", true},
		{json.Number("7"), "DOUBLE PRECISION", true},
		{time.Now(), "TIMESTAMPTZ", true},
		{[]any{"a"}, "JSONB", true},
		{map[string]any{"k": 1}, "JSONB", true},
		{nil, "", false},
	}
	for _, tt := range tests {
		typ, ok := sqlType(tt.value)
		if typ != tt.typ || ok != tt.ok {
			t.Errorf("sqlType(%#v) = %q, %v, want %q, %v", tt.value, typ, ok, tt.typ, tt.ok)
		}
	}
}

func TestSplitDoc(t *testing.T) {
	doc := map[string]any{
		"id":         "run_1",
		"created_at": time.Now(),
		"updated_at": time.Now(),
		"status":     "queued",
		"attempts":   2,
		"owner_id":   "user_1",
		"acl":        []any{map[string]any{"principal_id": "user_1"}},
		"_ttl":       60,
		"weird key":  "kept",
	}
	values, meta := splitDoc(doc)

	if !reflect.DeepEqual(sortedKeys(values), []string{"attempts", "status"}) {
		t.Errorf("column fields = %v, want [attempts status]", sortedKeys(values))
	}
	for _, k := range []string{"owner_id", "acl", "_ttl", "weird key"} {
		if _, ok := meta[k]; !ok {
			t.Errorf("meta missing %q", k)
		}
	}
	if _, ok := meta["id"]; ok {
		t.Error("id leaked into meta")
	}
}

func TestCreateTableDDL(t *testing.T) {
	stmts := createTableSQL("runs", map[string]any{
		"attempts": 2,
		"status":   "queued",
		"specs":    map[string]any{"cpu": "arm64"},
		"due_at":   time.Now(),
		"ghost":    nil,
	})
	table := stmts[0]
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "runs"`,
		"id TEXT PRIMARY KEY",
		"created_at TIMESTAMPTZ DEFAULT now()",
		"updated_at TIMESTAMPTZ DEFAULT now()",
		`"_metadata" JSONB DEFAULT '{}'::jsonb`,
		`"attempts" BIGINT`,
		`"status" TEXT`,
		`"specs" JSONB`,
		`"due_at" TIMESTAMPTZ`,
	} {
		if !strings.Contains(table, want) {
			t.Errorf("table DDL missing %q:\n%s", want, table)
		}
	}
	if strings.Contains(table, "ghost") {
		t.Errorf("untyped field got a column:\n%s", table)
	}

	joined := strings.Join(stmts[1:], "\n")
	for _, want := range []string{
		`"idx_runs__metadata" ON "runs" USING gin ("_metadata")`,
		`"idx_runs_specs" ON "runs" USING gin ("specs")`,
		`"idx_runs_created_at" ON "runs" ("created_at")`,
		`"idx_runs_due_at" ON "runs" ("due_at")`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("index DDL missing %q:\n%s", want, joined)
		}
	}
	// 3 standard indexed columns plus specs and due_at.
	if len(stmts) != 6 {
		t.Errorf("got %d statements, want 6:\n%s", len(stmts), strings.Join(stmts, "\n"))
	}
}

func TestAddColumnDDL(t *testing.T) {
	stmts := addColumnSQL("runs", "score", "DOUBLE PRECISION")
	if len(stmts) != 1 || stmts[0] != `ALTER TABLE "runs" ADD COLUMN IF NOT EXISTS "score" DOUBLE PRECISION` {
		t.Errorf("scalar column DDL = %v", stmts)
	}
	stmts = addColumnSQL("runs", "tags", "JSONB")
	if len(stmts) != 2 || !strings.Contains(stmts[1], `USING gin ("tags")`) {
		t.Errorf("jsonb column DDL = %v", stmts)
	}
}

func testCols() map[string]colInfo {
	return map[string]colInfo{
		"id":         {typ: typeText},
		"created_at": {typ: typeTimestamp},
		"updated_at": {typ: typeTimestamp},
		"_metadata":  {typ: typeJSONB},
		"attempts":   {typ: typeBigint},
		"status":     {typ: typeText},
		"flagged":    {typ: typeBool},
		"due_at":     {typ: typeTimestamp},
		"specs":      {typ: typeJSONB},
	}
}

func TestTranslateTypedColumns(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
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
			name: "eq text column",
			q:    query.Eq{Field: "status", Value: "queued"},
			sql:  `"status" = $1`,
			args: []any{"queued"},
		},
		{
			name: "eq bigint column coerces",
			q:    query.Eq{Field: "attempts", Value: 5},
			sql:  `"attempts" = $1`,
			args: []any{int64(5)},
		},
		{
			name: "eq bool column",
			q:    query.Eq{Field: "flagged", Value: true},
			sql:  `"flagged" = $1`,
			args: []any{true},
		},
		{
			name: "eq timestamp column",
			q:    query.Eq{Field: "due_at", Value: due},
			sql:  `"due_at" = $1`,
			args: []any{due},
		},
		{
			name: "eq null on column",
			q:    query.Eq{Field: "status", Value: nil},
			sql:  `"status" IS NULL`,
		},
		{
			name: "ne column",
			q:    query.Cmp{Op: query.OpNe, Field: "status", Value: "done"},
			sql:  `"status" IS DISTINCT FROM $1`,
			args: []any{"done"},
		},
		{
			name: "gt column",
			q:    query.Cmp{Op: query.OpGt, Field: "attempts", Value: 3},
			sql:  `"attempts" > $1`,
			args: []any{int64(3)},
		},
		{
			name: "in column",
			q:    query.In{Field: "attempts", Values: []any{1, 2}},
			sql:  `"attempts" IN ($1, $2)`,
			args: []any{int64(1), int64(2)},
		},
		{
			name: "in column with null",
			q:    query.In{Field: "status", Values: []any{"queued", nil}},
			sql:  `("status" IN ($1) OR "status" IS NULL)`,
			args: []any{"queued"},
		},
		{
			name: "regex text column",
			q:    query.Regex{Field: "status", Pattern: "^que"},
			sql:  `"status" ~ $1`,
			args: []any{"^que"},
		},
		{
			name: "regex non-text column never matches",
			q:    query.Regex{Field: "attempts", Pattern: "1"},
			sql:  "FALSE",
		},
		{
			name: "jsonb column descends",
			q:    query.Eq{Field: "specs.cpu", Value: "arm64"},
			sql:  `("specs"->>'cpu' = $1 OR "specs" @> $2::jsonb)`,
			args: []any{"arm64", `[{"cpu":"arm64"}]`},
		},
		{
			name: "jsonb column numeric cast",
			q:    query.Cmp{Op: query.OpGte, Field: "specs.cores", Value: 8},
			sql:  `("specs"->>'cores')::numeric >= $1`,
			args: []any{float64(8)},
		},
		{
			name: "unknown field reads metadata",
			q:    query.Cmp{Op: query.OpGt, Field: "score", Value: 3},
			sql:  `("_metadata"->>'score')::numeric > $1`,
			args: []any{float64(3)},
		},
		{
			name: "owner in metadata",
			q:    query.Eq{Field: "owner_id", Value: "user_1"},
			sql:  `("_metadata"->>'owner_id' = $1 OR "_metadata"->'owner_id' @> $2::jsonb)`,
			args: []any{"user_1", `["user_1"]`},
		},
		{
			name: "acl membership reaches list elements",
			q:    query.In{Field: "acl.principal_id", Values: []any{"user_1", "role:admin"}},
			sql:  `("_metadata"#>>'{acl,principal_id}' IN ($1, $2) OR "_metadata"->'acl' @> $3::jsonb OR "_metadata"->'acl' @> $4::jsonb)`,
			args: []any{"user_1", "role:admin", `[{"principal_id":"user_1"}]`, `[{"principal_id":"role:admin"}]`},
		},
		{
			name: "dotted path under scalar column",
			q:    query.Eq{Field: "status.x", Value: "v"},
			sql:  "NULL = $1",
			args: []any{"v"},
		},
		{
			name: "null check on absent field",
			q:    query.Eq{Field: "ghost", Value: nil},
			sql:  `"_metadata"->>'ghost' IS NULL`,
		},
		{
			name: "and over mixed fields",
			q: query.And{Terms: []query.Query{
				query.Eq{Field: "status", Value: "queued"},
				query.Cmp{Op: query.OpLt, Field: "attempts", Value: 3},
			}},
			sql:  `("status" = $1 AND "attempts" < $2)`,
			args: []any{"queued", int64(3)},
		},
		{
			name: "empty or matches nothing",
			q:    query.Or{},
			sql:  "FALSE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := translateQuery(tt.q, testCols())
			if err != nil {
				t.Fatalf("translateQuery: %v", err)
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
		query.Eq{Field: "status; DROP TABLE runs", Value: "x"},
		query.Regex{Field: "a b", Pattern: "x"},
		query.Cmp{Op: query.OpGt, Field: "attempts", Value: nil},
		query.Cmp{Op: query.CmpOp("$near"), Field: "attempts", Value: 1},
	}
	for _, q := range bad {
		if _, _, err := translateQuery(q, testCols()); !errors.Is(err, storage.ErrQuery) {
			t.Errorf("translateQuery(%#v) err = %v, want ErrQuery", q, err)
		}
	}
}

func TestOrderClause(t *testing.T) {
	s := testStore(t, Options{})
	s.cols = testCols()

	if got := s.orderClause("attempts", false); got != ` ORDER BY "attempts"` {
		t.Errorf("orderClause = %q", got)
	}
	if got := s.orderClause("attempts", true); got != ` ORDER BY "attempts" DESC` {
		t.Errorf("orderClause desc = %q", got)
	}
	if got := s.orderClause("ghost", false); got != " ORDER BY id" {
		t.Errorf("unknown column orderClause = %q", got)
	}
	if got := s.orderClause("x; DROP TABLE runs", false); got != " ORDER BY id" {
		t.Errorf("unsafe column orderClause = %q", got)
	}
}

func TestRowToEntity(t *testing.T) {
	s := testStore(t, Options{})
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	row := map[string]any{
		"id":         "run_1",
		"created_at": created,
		"updated_at": created,
		"status":     "queued",
		"attempts":   int64(2),
		"score":      nil,
		"_metadata": map[string]any{
			"owner_id": "user_1",
			"_ttl":     float64(60),
		},
	}
	e := s.rowToEntity(row)
	if e.ID != "run_1" || !e.CreatedAt.Equal(created) {
		t.Fatalf("identity fields wrong: %+v", e)
	}
	if e.Fields["attempts"] != int64(2) || e.Fields["status"] != "queued" {
		t.Errorf("fields = %v", e.Fields)
	}
	if _, ok := e.Fields["score"]; ok {
		t.Error("NULL column should be an absent field")
	}
	if e.Security == nil || e.Security.OwnerID != "user_1" {
		t.Errorf("security block not restored: %+v", e.Security)
	}
	if e.Fields["_ttl"] != float64(60) {
		t.Errorf("_ttl = %v, want 60", e.Fields["_ttl"])
	}
}

func TestBindValueCoercions(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if v, err := bindValue(typeBigint, 7.0); err != nil || v != int64(7) {
		t.Errorf("bigint coercion = %v, %v", v, err)
	}
	if v, err := bindValue(typeTimestamp, "2026-03-01T00:00:00Z"); err != nil || !v.(time.Time).Equal(due) {
		t.Errorf("timestamp parse = %v, %v", v, err)
	}
	if _, err := bindValue(typeTimestamp, "not a time"); err == nil {
		t.Error("unparseable timestamp accepted")
	}
	v, err := bindValue(typeJSONB, map[string]any{"k": 1})
	if err != nil || string(v.([]byte)) != `{"k":1}` {
		t.Errorf("jsonb marshal = %s, %v", v, err)
	}
	if v, err := bindValue(typeText, nil); err != nil || v != nil {
		t.Errorf("nil should pass through, got %v, %v", v, err)
	}
}

func TestNewDefaults(t *testing.T) {
	s := testStore(t, Options{})
	if s.minConns != DefaultMinConns || s.maxConns != DefaultMaxConns {
		t.Errorf("conns = %d..%d, want %d..%d", s.minConns, s.maxConns, DefaultMinConns, DefaultMaxConns)
	}

	s = testStore(t, Options{MinConns: 8, MaxConns: 4})
	if s.minConns != 8 || s.maxConns != 8 {
		t.Errorf("conns = %d..%d, want max clamped to min", s.minConns, s.maxConns)
	}

	desc := runModel()
	desc.Bindings[0].Binding.Options = map[string]any{"min_conns": 3, "max_conns": 12}
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.minConns != 3 || s.maxConns != 12 {
		t.Errorf("conns = %d..%d, want binding options 3..12", s.minConns, s.maxConns)
	}

	desc = runModel()
	desc.Path = "bad table"
	if _, err := New(desc, desc.Bindings[0], Options{}); !errors.Is(err, storage.ErrConfiguration) {
		t.Errorf("New with unsafe path err = %v, want ErrConfiguration", err)
	}
}

func TestDisconnectedStoreRefusesWork(t *testing.T) {
	s := testStore(t, Options{})
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Ping err = %v, want ErrConnection", err)
	}
	if _, err := s.FindByID(ctx, "run_1"); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("FindByID err = %v, want ErrConnection", err)
	}
	if _, err := s.Create(ctx, types.New(map[string]any{"status": "queued"})); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Create err = %v, want ErrConnection", err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect on never-connected store: %v", err)
	}
}
