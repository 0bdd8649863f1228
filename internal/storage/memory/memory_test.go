package memory

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

func bookModel(t *testing.T) *model.Descriptor {
	t.Helper()
	d := &model.Descriptor{
		Name:     "Book",
		Path:     "books",
		IDPrefix: "book",
		Bindings: []model.NamedBinding{
			{Name: "mem", Binding: model.Binding{Kind: model.KindDocument, Database: "books"}},
		},
		Indexes: []model.Index{
			{Field: "title", Kind: model.IndexText},
			{Field: "author", Kind: model.IndexHash},
		},
		Fields: []model.FieldSpec{
			{Name: "title", Type: model.FieldString, Required: true},
			{Name: "author", Type: model.FieldString},
			{Name: "pages", Type: model.FieldInt},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return d
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s := New(bookModel(t), model.KindDocument)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func seed(t *testing.T, s *Store, title, author string, pages int) string {
	t.Helper()
	id, err := s.Create(context.Background(), types.New(map[string]any{
		"title":  title,
		"author": author,
		"pages":  pages,
	}))
	if err != nil {
		t.Fatalf("Create %s: %v", title, err)
	}
	return id
}

func titles(es []*types.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i], _ = e.Fields["title"].(string)
	}
	return out
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := types.New(map[string]any{"title": "Dune", "pages": 412})
	id, err := s.Create(ctx, e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(id, "book_") {
		t.Errorf("id %q lacks the model prefix", id)
	}
	if e.ID != "" {
		t.Errorf("Create mutated the caller's entity: ID = %q", e.ID)
	}

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.ID != id || got.Fields["title"] != "Dune" {
		t.Errorf("round trip = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("timestamps not stamped: %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestCreateKeepsExplicitID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := types.New(map[string]any{"title": "Dune"})
	e.ID = "book_custom"
	id, err := s.Create(ctx, e)
	if err != nil || id != "book_custom" {
		t.Fatalf("Create = %q, %v", id, err)
	}
	if _, err := s.Create(ctx, e.Clone()); !storage.IsDuplicate(err) {
		t.Errorf("second create = %v, want duplicate", err)
	}
}

func TestCreateMany(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ids, err := s.CreateMany(ctx, []*types.Entity{
		types.New(map[string]any{"title": "A"}),
		types.New(map[string]any{"title": "B"}),
		types.New(map[string]any{"title": "C"}),
	})
	if err != nil {
		t.Fatalf("CreateMany: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3", ids)
	}
	n, err := s.Count(ctx, query.All())
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestCreateManyStopsOnDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	taken := types.New(map[string]any{"title": "A"})
	taken.ID = "book_taken"
	if _, err := s.Create(ctx, taken); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ids, err := s.CreateMany(ctx, []*types.Entity{
		types.New(map[string]any{"title": "B"}),
		taken.Clone(),
		types.New(map[string]any{"title": "C"}),
	})
	if !storage.IsDuplicate(err) {
		t.Fatalf("err = %v, want duplicate", err)
	}
	if len(ids) != 1 {
		t.Errorf("partial ids = %v, want the one created before the collision", ids)
	}
}

func TestFindByIDMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.FindByID(context.Background(), "book_missing")
	if !storage.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if !strings.Contains(err.Error(), "book_missing") {
		t.Errorf("error %q does not name the id", err)
	}
}

func TestFindFiltersOrdersAndPages(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s, "A", "north", 90)
	seed(t, s, "B", "north", 150)
	seed(t, s, "C", "south", 300)
	seed(t, s, "D", "north", 210)

	got, err := s.Find(ctx, query.Cmp{Op: query.OpGte, Field: "pages", Value: 100},
		storage.FindOptions{OrderBy: "pages", Desc: true})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"C", "D", "B"}; !reflect.DeepEqual(titles(got), want) {
		t.Errorf("ordered titles = %v, want %v", titles(got), want)
	}

	got, err = s.Find(ctx, query.Eq{Field: "author", Value: "north"},
		storage.FindOptions{Skip: 1, Limit: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"B"}; !reflect.DeepEqual(titles(got), want) {
		t.Errorf("paged titles = %v, want %v", titles(got), want)
	}

	got, err = s.Find(ctx, query.All(), storage.FindOptions{})
	if err != nil {
		t.Fatalf("Find all: %v", err)
	}
	if want := []string{"A", "B", "C", "D"}; !reflect.DeepEqual(titles(got), want) {
		t.Errorf("insertion order = %v, want %v", titles(got), want)
	}

	got, err = s.Find(ctx, query.All(), storage.FindOptions{Skip: 10})
	if err != nil || len(got) != 0 {
		t.Errorf("skip past end = %v (%v), want empty", titles(got), err)
	}
}

func TestFindOne(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s, "A", "north", 90)
	seed(t, s, "B", "north", 150)

	got, err := s.FindOne(ctx, query.Eq{Field: "author", Value: "north"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.Fields["title"] != "A" {
		t.Errorf("FindOne returned %v, want first match A", got.Fields["title"])
	}
	if _, err := s.FindOne(ctx, query.Eq{Field: "author", Value: "west"}); !storage.IsNotFound(err) {
		t.Errorf("no match = %v, want not found", err)
	}
}

func TestCountAndExists(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := seed(t, s, "A", "north", 90)
	seed(t, s, "B", "north", 150)
	seed(t, s, "C", "south", 300)

	if n, err := s.Count(ctx, query.Eq{Field: "author", Value: "north"}); err != nil || n != 2 {
		t.Errorf("Count(north) = %d, %v", n, err)
	}
	if n, err := s.Count(ctx, query.All()); err != nil || n != 3 {
		t.Errorf("Count(all) = %d, %v", n, err)
	}
	if ok, err := s.Exists(ctx, id); err != nil || !ok {
		t.Errorf("Exists(%s) = %v, %v", id, ok, err)
	}
	if ok, err := s.Exists(ctx, "book_nope"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}

func TestUpdateMergesAndBumpsUpdatedAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := seed(t, s, "A", "north", 90)

	before, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err := s.Update(ctx, id, map[string]any{"pages": 95, "id": "book_forged"})
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	after, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if after.ID != id {
		t.Errorf("id changed to %q", after.ID)
	}
	if after.Fields["pages"] != 95 || after.Fields["title"] != "A" {
		t.Errorf("merged fields = %v", after.Fields)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}

	ok, err = s.Update(ctx, "book_nope", map[string]any{"pages": 1})
	if err != nil || ok {
		t.Errorf("missing update = %v, %v, want false, nil", ok, err)
	}
}

func TestUpdateManyAndDeleteMany(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s, "A", "north", 90)
	seed(t, s, "B", "north", 150)
	seed(t, s, "C", "south", 300)

	n, err := s.UpdateMany(ctx, query.Eq{Field: "author", Value: "north"}, map[string]any{"archived": true})
	if err != nil || n != 2 {
		t.Fatalf("UpdateMany = %d, %v", n, err)
	}
	if n, err := s.Count(ctx, query.Eq{Field: "archived", Value: true}); err != nil || n != 2 {
		t.Errorf("Count(archived) = %d, %v", n, err)
	}

	n, err = s.DeleteMany(ctx, query.Eq{Field: "archived", Value: true})
	if err != nil || n != 2 {
		t.Fatalf("DeleteMany = %d, %v", n, err)
	}
	got, err := s.Find(ctx, query.All(), storage.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"C"}; !reflect.DeepEqual(titles(got), want) {
		t.Errorf("survivors = %v, want %v", titles(got), want)
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := seed(t, s, "A", "north", 90)

	ok, err := s.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	ok, err = s.Delete(ctx, id)
	if err != nil || ok {
		t.Errorf("second delete = %v, %v, want false, nil", ok, err)
	}
	if _, err := s.FindByID(ctx, id); !storage.IsNotFound(err) {
		t.Errorf("FindByID after delete = %v, want not found", err)
	}
}

func TestReturnedEntitiesAreIsolated(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, types.New(map[string]any{
		"title": "A",
		"tags":  []any{"x"},
		"meta":  map[string]any{"lang": "en"},
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	got.Fields["title"] = "hacked"
	got.Fields["tags"].([]any)[0] = "hacked"
	got.Fields["meta"].(map[string]any)["lang"] = "xx"

	clean, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if clean.Fields["title"] != "A" {
		t.Errorf("title = %v", clean.Fields["title"])
	}
	if tags := clean.Fields["tags"].([]any); tags[0] != "x" {
		t.Errorf("tags = %v", tags)
	}
	if meta := clean.Fields["meta"].(map[string]any); meta["lang"] != "en" {
		t.Errorf("meta = %v", meta)
	}
}

func TestSecuredEntityRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := types.New(map[string]any{"title": "A"})
	e.Security = &types.Security{
		OwnerID:   "user_1",
		CreatedBy: "user_1",
		ACL: []security.ACLEntry{{
			PrincipalID:   "user_1",
			PrincipalType: security.PrincipalUser,
			Permissions:   []security.Permission{security.PermAdmin},
			GrantedBy:     "user_1",
			GrantedAt:     time.Now().UTC(),
		}},
	}
	id, err := s.Create(ctx, e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Security == nil || got.Security.OwnerID != "user_1" {
		t.Fatalf("security block = %+v", got.Security)
	}
	if len(got.Security.ACL) != 1 || !got.Security.ACL[0].Grants(security.PermDelete) {
		t.Errorf("acl = %+v, want admin grant", got.Security.ACL)
	}
}

func TestDisconnectedStoreRefusesWork(t *testing.T) {
	s := New(bookModel(t), model.KindDocument)
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Ping = %v, want connection error", err)
	}
	if _, err := s.Create(ctx, types.New(map[string]any{"title": "A"})); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Create = %v, want connection error", err)
	}
	if _, err := s.Find(ctx, query.All(), storage.FindOptions{}); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Find = %v, want connection error", err)
	}
}

func TestCanceledContextMapsToTimeout(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Create(ctx, types.New(map[string]any{"title": "A"})); !errors.Is(err, storage.ErrTimeout) {
		t.Errorf("Create on canceled ctx = %v, want timeout taxonomy", err)
	}
}

func TestRawOpsUnsupported(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.RawRead(ctx, "SELECT 1"); !errors.Is(err, storage.ErrQuery) {
		t.Errorf("RawRead = %v, want query error", err)
	}
	if _, err := s.RawWrite(ctx, "DELETE FROM books"); !errors.Is(err, storage.ErrQuery) {
		t.Errorf("RawWrite = %v, want query error", err)
	}
}

func TestIndexesAndModelInfo(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s, "A", "north", 90)

	if err := s.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes: %v", err)
	}
	info, err := s.ModelInfo(ctx)
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.Name != "Book" || info.Path != "books" || info.Kind != model.KindDocument {
		t.Errorf("info header = %+v", info)
	}
	if want := []string{"books.title", "books.author"}; !reflect.DeepEqual(info.Indexes, want) {
		t.Errorf("indexes = %v, want %v", info.Indexes, want)
	}
	if want := []string{"id", "title", "author", "pages"}; !reflect.DeepEqual(storage.ModelFields(info), want) {
		t.Errorf("fields = %v, want %v", storage.ModelFields(info), want)
	}
	if schema := storage.ModelSchema(info); schema["pages"] != "int" {
		t.Errorf("schema = %v", schema)
	}
	if info.Options["documents"] != 1 {
		t.Errorf("documents = %v, want 1", info.Options["documents"])
	}
}

func TestListSurfaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if dbs, err := s.ListDatabases(ctx); err != nil || !reflect.DeepEqual(dbs, []string{"memory"}) {
		t.Errorf("ListDatabases = %v, %v", dbs, err)
	}
	if schemas, err := s.ListSchemas(ctx); err != nil || !reflect.DeepEqual(schemas, []string{"default"}) {
		t.Errorf("ListSchemas = %v, %v", schemas, err)
	}
	if models, err := s.ListModels(ctx); err != nil || !reflect.DeepEqual(models, []string{"books"}) {
		t.Errorf("ListModels = %v, %v", models, err)
	}
}

func TestFindOrCreateHelper(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	q := query.Eq{Field: "title", Value: "A"}

	first, created, err := storage.FindOrCreate(ctx, s, q, types.New(map[string]any{"title": "A", "pages": 90}))
	if err != nil || !created {
		t.Fatalf("first call = %v, created=%v", err, created)
	}
	again, created, err := storage.FindOrCreate(ctx, s, q, types.New(map[string]any{"title": "A"}))
	if err != nil || created {
		t.Fatalf("second call = %v, created=%v", err, created)
	}
	if again.ID != first.ID {
		t.Errorf("ids differ: %q vs %q", again.ID, first.ID)
	}
	if n, _ := s.Count(ctx, query.All()); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestUpdateOrCreateHelper(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	q := query.Eq{Field: "title", Value: "A"}

	made, created, err := storage.UpdateOrCreate(ctx, s, q, map[string]any{"pages": 10}, types.New(map[string]any{"title": "A"}))
	if err != nil || !created {
		t.Fatalf("create path = %v, created=%v", err, created)
	}
	if made.Fields["pages"] != 10 {
		t.Errorf("created fields = %v", made.Fields)
	}

	patched, created, err := storage.UpdateOrCreate(ctx, s, q, map[string]any{"pages": 20}, types.New(map[string]any{"title": "A"}))
	if err != nil || created {
		t.Fatalf("update path = %v, created=%v", err, created)
	}
	if patched.ID != made.ID || patched.Fields["pages"] != 20 {
		t.Errorf("patched = %+v", patched)
	}
}
