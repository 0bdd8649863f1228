package graph

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/types"
)

func personModel() *model.Descriptor {
	return &model.Descriptor{
		Name:    "Person",
		Path:    "people",
		IDField: "id",
		Bindings: []model.NamedBinding{
			{Name: "g", Binding: model.Binding{Kind: model.KindGraph, Host: "localhost"}},
		},
		Indexes: []model.Index{
			{Field: "name", Kind: model.IndexFulltext},
			{Field: "email", Kind: model.IndexHash},
			{Field: "age", Kind: model.IndexExact},
			{Field: "active", Kind: model.IndexHash},
			{Field: "joined", Kind: model.IndexText},
			{Field: "nickname", Kind: model.IndexHash},
		},
		Fields: []model.FieldSpec{
			{Name: "name", Type: model.FieldString, Required: true},
			{Name: "email", Type: model.FieldString},
			{Name: "age", Type: model.FieldInt},
			{Name: "active", Type: model.FieldBool},
			{Name: "joined", Type: model.FieldDatetime},
			{Name: "tags", Type: model.FieldList},
			{Name: "profile", Type: model.FieldMap},
		},
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	desc := personModel()
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsUnsafePath(t *testing.T) {
	desc := personModel()
	desc.Path = "people-2"
	if _, err := New(desc, desc.Bindings[0], Options{}); err == nil {
		t.Fatal("expected error for hyphenated collection path")
	}
}

func TestSchemaSynthesis(t *testing.T) {
	s := testStore(t)
	schema := s.schema()

	want := []string{
		"people.id: string @index(exact) .",
		"people.created_at: datetime .",
		"people.updated_at: datetime .",
		"people.name: string @index(fulltext) .",
		"people.email: string @index(exact) .",
		"people.age: int @index(int) .",
		"people.joined: datetime @index(hour) .",
		"people.tags: string .",
		"people.profile: string .",
		"people.nickname: string @index(exact) .",
		"type Person {",
		"  people.name",
	}
	for _, line := range want {
		if !strings.Contains(schema, line) {
			t.Errorf("schema missing %q:\n%s", line, schema)
		}
	}
	// Booleans take no index regardless of what the model declares.
	if strings.Contains(schema, "people.active: bool @index") {
		t.Errorf("boolean predicate got an index:\n%s", schema)
	}
	if !strings.Contains(schema, "people.active: bool .") {
		t.Errorf("boolean predicate missing:\n%s", schema)
	}
	if strings.Contains(schema, "people.owner_id") {
		t.Errorf("unsecured model declared security predicates:\n%s", schema)
	}
}

func TestSchemaSecuredModel(t *testing.T) {
	desc := personModel()
	desc.Secured = true
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	schema := s.schema()
	for _, line := range []string{
		"people.owner_id: string @index(exact) .",
		"people.created_by: string @index(exact) .",
		"people.modified_by: string @index(exact) .",
		"people.graph_id: string @index(exact) .",
	} {
		if !strings.Contains(schema, line) {
			t.Errorf("secured schema missing %q:\n%s", line, schema)
		}
	}
}

func TestEdgeSchema(t *testing.T) {
	s := testStore(t)
	if got := s.edgeSchema("knows"); got != "people.knows: [uid] @reverse .\n" {
		t.Fatalf("edgeSchema = %q", got)
	}
}

func TestEncode(t *testing.T) {
	s := testStore(t)
	e := types.New(map[string]any{
		"name":    "Ada",
		"tags":    []any{"go", "db"},
		"profile": map[string]any{"city": "Oslo"},
		"bad-key": 1,
	})
	e.ID = "person-1"

	out, err := s.encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := out["dgraph.type"]; got != "Person" {
		t.Errorf("dgraph.type = %v", got)
	}
	if got := out["people.id"]; got != "person-1" {
		t.Errorf("people.id = %v", got)
	}
	if got := out["people.name"]; got != "Ada" {
		t.Errorf("people.name = %v", got)
	}
	if got := out["people.tags"]; got != `["go","db"]` {
		t.Errorf("people.tags = %v, want JSON string", got)
	}
	if got := out["people.profile"]; got != `{"city":"Oslo"}` {
		t.Errorf("people.profile = %v, want JSON string", got)
	}
	for k := range out {
		if strings.Contains(k, "bad-key") {
			t.Errorf("unsafe field made it into the mutation as %q", k)
		}
	}
}

func TestDecode(t *testing.T) {
	s := testStore(t)
	raw := map[string]any{
		"uid":            "0x4e",
		"dgraph.type":    []any{"Person"},
		"people.id":      "person-1",
		"people.name":    "Ada",
		"people.tags":    `["go","db"]`,
		"people.profile": `{"city":"Oslo"}`,
		"people.knows":   []any{map[string]any{"uid": "0x5f"}},
		"other.name":     "ghost",
	}
	doc, uid := s.decode(raw)
	if uid != "0x4e" {
		t.Errorf("uid = %q", uid)
	}
	if doc["id"] != "person-1" || doc["name"] != "Ada" {
		t.Errorf("scalars = %v", doc)
	}
	if !reflect.DeepEqual(doc["tags"], []any{"go", "db"}) {
		t.Errorf("tags = %#v", doc["tags"])
	}
	if !reflect.DeepEqual(doc["profile"], map[string]any{"city": "Oslo"}) {
		t.Errorf("profile = %#v", doc["profile"])
	}
	if _, ok := doc["knows"]; ok {
		t.Error("edge reference leaked into the document")
	}
	for k := range doc {
		if strings.Contains(k, "other") {
			t.Errorf("foreign predicate %q leaked into the document", k)
		}
	}
}

func TestDecodeDoubleEncodedJSON(t *testing.T) {
	s := testStore(t)
	doc, _ := s.decode(map[string]any{
		"people.tags": `"[\"go\"]"`,
	})
	if !reflect.DeepEqual(doc["tags"], []any{"go"}) {
		t.Fatalf("tags = %#v, want unwrapped list", doc["tags"])
	}
}

func TestDecodeKeepsPlainStrings(t *testing.T) {
	s := testStore(t)
	doc, _ := s.decode(map[string]any{
		"people.name": "Ada [the first]",
	})
	if doc["name"] != "Ada [the first]" {
		t.Fatalf("name = %v", doc["name"])
	}
}

func TestEntityUIDFallback(t *testing.T) {
	s := testStore(t)
	e := s.entity(map[string]any{
		"uid":         "0x4e",
		"people.name": "Ada",
	})
	if e.ID != "0x4e" {
		t.Fatalf("ID = %q, want uid fallback", e.ID)
	}
	if e.Fields["name"] != "Ada" {
		t.Fatalf("name = %v", e.Fields["name"])
	}
}

func TestIsUID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0x4e", true},
		{"0x1a2B", true},
		{"0x", false},
		{"0xZZ", false},
		{"0X4E", false},
		{"person-1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsUID(tt.id); got != tt.want {
			t.Errorf("IsUID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestNarrow(t *testing.T) {
	joined := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		q      query.Query
		filter string
		vals   map[string]string
	}{
		{
			name:   "all",
			q:      query.All(),
			filter: "",
		},
		{
			name:   "eq string",
			q:      query.Eq{Field: "name", Value: "Ada"},
			filter: "eq(people.name, $v1)",
			vals:   map[string]string{"$v1": "Ada"},
		},
		{
			name:   "eq null",
			q:      query.Eq{Field: "email", Value: nil},
			filter: "(NOT has(people.email))",
		},
		{
			name:   "eq undeclared field",
			q:      query.Eq{Field: "nickname", Value: "x"},
			filter: "",
		},
		{
			name:   "eq dotted path",
			q:      query.Eq{Field: "profile.city", Value: "Oslo"},
			filter: "",
		},
		{
			name:   "eq list field",
			q:      query.Eq{Field: "tags", Value: "go"},
			filter: "",
		},
		{
			name:   "ne",
			q:      query.Cmp{Op: query.OpNe, Field: "name", Value: "Ada"},
			filter: "(NOT eq(people.name, $v1))",
			vals:   map[string]string{"$v1": "Ada"},
		},
		{
			name:   "ne null",
			q:      query.Cmp{Op: query.OpNe, Field: "email", Value: nil},
			filter: "has(people.email)",
		},
		{
			name:   "gt int",
			q:      query.Cmp{Op: query.OpGt, Field: "age", Value: 30},
			filter: "gt(people.age, $v1)",
			vals:   map[string]string{"$v1": "30"},
		},
		{
			name:   "lt time",
			q:      query.Cmp{Op: query.OpLt, Field: "joined", Value: joined},
			filter: "lt(people.joined, $v1)",
			vals:   map[string]string{"$v1": "2026-03-01T00:00:00Z"},
		},
		{
			name:   "in",
			q:      query.In{Field: "name", Values: []any{"Ada", "Grace"}},
			filter: "(eq(people.name, $v1) OR eq(people.name, $v2))",
			vals:   map[string]string{"$v1": "Ada", "$v2": "Grace"},
		},
		{
			name:   "in with null",
			q:      query.In{Field: "email", Values: []any{"x@y", nil}},
			filter: "(eq(people.email, $v1) OR (NOT has(people.email)))",
			vals:   map[string]string{"$v1": "x@y"},
		},
		{
			name:   "regex stays with the matcher",
			q:      query.Regex{Field: "name", Pattern: "^A"},
			filter: "",
		},
		{
			name: "and drops untranslatable terms",
			q: query.And{Terms: []query.Query{
				query.Eq{Field: "name", Value: "Ada"},
				query.Regex{Field: "name", Pattern: "^A"},
			}},
			filter: "eq(people.name, $v1)",
			vals:   map[string]string{"$v1": "Ada"},
		},
		{
			name: "or widens to everything on one untranslatable branch",
			q: query.Or{Terms: []query.Query{
				query.Eq{Field: "name", Value: "Ada"},
				query.Regex{Field: "name", Pattern: "^A"},
			}},
			filter: "",
		},
		{
			name: "or",
			q: query.Or{Terms: []query.Query{
				query.Eq{Field: "name", Value: "Ada"},
				query.Eq{Field: "email", Value: "x@y"},
			}},
			filter: "(eq(people.name, $v1) OR eq(people.email, $v2))",
			vals:   map[string]string{"$v1": "Ada", "$v2": "x@y"},
		},
		{
			name:   "engine-stamped scalar",
			q:      query.Cmp{Op: query.OpGte, Field: "created_at", Value: joined},
			filter: "ge(people.created_at, $v1)",
			vals:   map[string]string{"$v1": "2026-03-01T00:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			vars := newVars()
			got := s.narrow(tt.q, vars)
			if got != tt.filter {
				t.Fatalf("narrow = %q, want %q", got, tt.filter)
			}
			if len(tt.vals) == 0 {
				if len(vars.vals) != 0 {
					t.Fatalf("vals = %v, want none", vars.vals)
				}
				return
			}
			if !reflect.DeepEqual(vars.vals, tt.vals) {
				t.Fatalf("vals = %v, want %v", vars.vals, tt.vals)
			}
		})
	}
}

func TestVarsHeader(t *testing.T) {
	vars := newVars()
	if got := vars.header(); got != "" {
		t.Fatalf("empty header = %q", got)
	}
	vars.bind("Ada")
	vars.bind(30)
	vars.bind(1.5)
	vars.bind(true)
	if got := vars.header(); got != "query q($v1: string, $v2: int, $v3: float, $v4: bool) " {
		t.Fatalf("header = %q", got)
	}
}

func TestExactFilter(t *testing.T) {
	tests := []struct {
		name string
		q    query.Query
		want bool
	}{
		{"eq declared", query.Eq{Field: "name", Value: "Ada"}, true},
		{"eq null", query.Eq{Field: "email", Value: nil}, true},
		{"eq dotted", query.Eq{Field: "profile.city", Value: "x"}, false},
		{"eq undeclared", query.Eq{Field: "nickname", Value: "x"}, false},
		{"regex", query.Regex{Field: "name", Pattern: "^A"}, false},
		{"and with regex", query.And{Terms: []query.Query{
			query.Eq{Field: "name", Value: "Ada"},
			query.Regex{Field: "name", Pattern: "^A"},
		}}, false},
		{"or exact", query.Or{Terms: []query.Query{
			query.Eq{Field: "name", Value: "Ada"},
			query.Eq{Field: "email", Value: "x@y"},
		}}, true},
		{"or empty", query.Or{}, false},
		{"in", query.In{Field: "age", Values: []any{30, 40}}, true},
		{"in unbindable", query.In{Field: "age", Values: []any{[]any{1}}}, false},
	}
	s := testStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.exactFilter(tt.q); got != tt.want {
				t.Fatalf("exactFilter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryShapes(t *testing.T) {
	s := testStore(t)

	vars := newVars()
	plain := s.resultsQuery("", vars)
	if strings.Contains(plain, "@filter") {
		t.Errorf("unfiltered query has a filter clause:\n%s", plain)
	}
	if !strings.Contains(plain, "results(func: type(Person))") {
		t.Errorf("query missing type root:\n%s", plain)
	}
	if !strings.Contains(plain, "expand(_all_)") {
		t.Errorf("query missing expansion:\n%s", plain)
	}

	vars = newVars()
	filter := s.narrow(query.Eq{Field: "name", Value: "Ada"}, vars)
	filtered := s.resultsQuery(filter, vars)
	if !strings.HasPrefix(filtered, "query q($v1: string) ") {
		t.Errorf("bound query missing var header:\n%s", filtered)
	}
	if !strings.Contains(filtered, "@filter(eq(people.name, $v1))") {
		t.Errorf("bound query missing filter:\n%s", filtered)
	}

	count := s.countQuery("", newVars())
	if !strings.Contains(count, "total: count(uid)") {
		t.Errorf("count query missing aggregate:\n%s", count)
	}

	byID, varName := s.byIDQuery()
	if varName != "$id" {
		t.Errorf("byIDQuery var = %q", varName)
	}
	if !strings.Contains(byID, "eq(people.id, $id), first: 1") {
		t.Errorf("byIDQuery shape:\n%s", byID)
	}
	if !strings.Contains(byID, "@filter(type(Person))") {
		t.Errorf("byIDQuery missing type guard:\n%s", byID)
	}

	byUID := s.byUIDQuery("0x4e")
	if !strings.Contains(byUID, "func: uid(0x4e)") {
		t.Errorf("byUIDQuery shape:\n%s", byUID)
	}
}

func TestCollectUIDs(t *testing.T) {
	root := map[string]any{
		"uid": "0x1",
		"people.knows": []any{
			map[string]any{
				"uid":          "0x2",
				"people.knows": []any{map[string]any{"uid": "0x3"}},
			},
		},
		"people.manages": map[string]any{"uid": "0x4"},
	}
	got := map[string]bool{}
	collectUIDs(root, got)
	want := map[string]bool{"0x1": true, "0x2": true, "0x3": true, "0x4": true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("collectUIDs = %v, want %v", got, want)
	}
}

func TestRawVars(t *testing.T) {
	if got, err := rawVars(nil); err != nil || got != nil {
		t.Fatalf("rawVars(nil) = %v, %v", got, err)
	}
	got, err := rawVars([]any{map[string]any{"$a": 1}})
	if err != nil || got["$a"] != "1" {
		t.Fatalf("map form = %v, %v", got, err)
	}
	got, err = rawVars([]any{"$a", "x", "$b", 2})
	if err != nil || got["$a"] != "x" || got["$b"] != "2" {
		t.Fatalf("pair form = %v, %v", got, err)
	}
	if _, err := rawVars([]any{"$a"}); err == nil {
		t.Fatal("odd parameter list should fail")
	}
	if _, err := rawVars([]any{"a", "x"}); err == nil {
		t.Fatal("unprefixed name should fail")
	}
}
