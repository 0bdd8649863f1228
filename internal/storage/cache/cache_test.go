package cache

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

func articleModel(t *testing.T, addr string) *model.Descriptor {
	t.Helper()
	d := &model.Descriptor{
		Name:     "Article",
		Path:     "articles",
		IDPrefix: "article",
		Bindings: []model.NamedBinding{{
			Name:    "cache",
			Binding: model.Binding{Kind: model.KindCache, ConnString: "redis://" + addr},
		}},
		Indexes: []model.Index{
			{Field: "author", Kind: model.IndexHash},
			{Field: "section", Kind: model.IndexHash},
		},
		Fields: []model.FieldSpec{
			{Name: "title", Type: model.FieldString, Required: true},
			{Name: "author", Type: model.FieldString},
			{Name: "section", Type: model.FieldString},
			{Name: "pages", Type: model.FieldInt},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return d
}

func cacheStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	desc := articleModel(t, mr.Addr())
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s, mr
}

func post(t *testing.T, s *Store, title, author, section string, pages int) string {
	t.Helper()
	id, err := s.Create(context.Background(), types.New(map[string]any{
		"title":   title,
		"author":  author,
		"section": section,
		"pages":   pages,
	}))
	if err != nil {
		t.Fatalf("Create %s: %v", title, err)
	}
	return id
}

func members(t *testing.T, s *Store, key string) []string {
	t.Helper()
	ids, err := s.client.SMembers(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("SMembers %s: %v", key, err)
	}
	sort.Strings(ids)
	return ids
}

func articleTitles(es []*types.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i], _ = e.Fields["title"].(string)
	}
	return out
}

func TestCreateWritesDocumentMetaAndIndexSets(t *testing.T) {
	s, mr := cacheStore(t)
	id := post(t, s, "A", "north", "go", 90)

	if !strings.HasPrefix(id, "article_") {
		t.Errorf("id %q lacks the model prefix", id)
	}
	if !mr.Exists("articles:" + id) {
		t.Fatalf("document key missing")
	}
	if !mr.Exists("articles:meta:" + id) {
		t.Fatalf("metadata hash missing")
	}
	if ttl := mr.TTL("articles:" + id); ttl != DefaultTTL {
		t.Errorf("document TTL = %v, want %v", ttl, DefaultTTL)
	}
	if got := mr.HGet("articles:meta:"+id, "ttl"); got != "86400" {
		t.Errorf("meta ttl = %q, want 86400", got)
	}
	if got := members(t, s, "articles:idx:author:north"); !reflect.DeepEqual(got, []string{id}) {
		t.Errorf("author set = %v", got)
	}
	if got := members(t, s, "articles:idx:section:go"); !reflect.DeepEqual(got, []string{id}) {
		t.Errorf("section set = %v", got)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()

	e := types.New(map[string]any{"title": "A"})
	e.ID = "article_fixed"
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, e.Clone()); !storage.IsDuplicate(err) {
		t.Errorf("second create = %v, want duplicate", err)
	}
}

func TestTTLOverride(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()

	short, err := s.Create(ctx, types.New(map[string]any{"title": "short", "_ttl": 60}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("articles:" + short); ttl != 60*time.Second {
		t.Errorf("overridden TTL = %v, want 60s", ttl)
	}
	if got := mr.HGet("articles:meta:"+short, "ttl"); got != "60" {
		t.Errorf("meta ttl = %q, want 60", got)
	}

	pinned, err := s.Create(ctx, types.New(map[string]any{"title": "pinned", "_ttl": 0}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("articles:" + pinned); ttl != 0 {
		t.Errorf("zero _ttl TTL = %v, want none", ttl)
	}

	day, err := s.Create(ctx, types.New(map[string]any{"title": "day", "_ttl": "1d"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("articles:" + day); ttl != 24*time.Hour {
		t.Errorf(`"1d" TTL = %v, want 24h`, ttl)
	}
}

func TestFindByIDRoundTripAndMiss(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()
	id := post(t, s, "A", "north", "go", 90)

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.ID != id || got.Fields["title"] != "A" {
		t.Errorf("round trip = %+v", got)
	}
	// Numbers come back as float64 after the JSON round trip.
	if got.Fields["pages"] != float64(90) {
		t.Errorf("pages = %#v, want float64(90)", got.Fields["pages"])
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("timestamps lost: %v / %v", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := s.FindByID(ctx, "article_missing"); !storage.IsNotFound(err) {
		t.Errorf("miss = %v, want not found", err)
	}
}

func TestFindIntersectsIndexSets(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()
	post(t, s, "A", "north", "go", 90)
	post(t, s, "B", "north", "js", 150)
	post(t, s, "C", "south", "go", 300)
	post(t, s, "D", "north", "go", 210)

	q := query.And{Terms: []query.Query{
		query.Eq{Field: "author", Value: "north"},
		query.Eq{Field: "section", Value: "go"},
	}}
	got, err := s.Find(ctx, q, storage.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"A", "D"}; !reflect.DeepEqual(articleTitles(got), want) {
		t.Errorf("titles = %v, want %v", articleTitles(got), want)
	}
}

func TestFindHealsStaleIndexEntries(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()
	keep := post(t, s, "A", "north", "go", 90)
	gone := post(t, s, "B", "north", "go", 150)

	// Simulate value expiry with the set memberships left behind.
	mr.Del("articles:" + gone)

	got, err := s.Find(ctx, query.Eq{Field: "author", Value: "north"}, storage.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"A"}; !reflect.DeepEqual(articleTitles(got), want) {
		t.Errorf("titles = %v, want %v", articleTitles(got), want)
	}
	if ids := members(t, s, "articles:idx:author:north"); !reflect.DeepEqual(ids, []string{keep}) {
		t.Errorf("set after heal = %v, want only %s", ids, keep)
	}
}

func TestFindScanFallback(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()
	post(t, s, "A", "north", "go", 90)
	post(t, s, "B", "north", "js", 150)
	post(t, s, "C", "south", "go", 300)
	post(t, s, "D", "north", "go", 210)

	// Range operators cannot use the membership sets.
	got, err := s.Find(ctx, query.Cmp{Op: query.OpGte, Field: "pages", Value: 100},
		storage.FindOptions{OrderBy: "pages", Desc: true})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := []string{"C", "D", "B"}; !reflect.DeepEqual(articleTitles(got), want) {
		t.Errorf("ordered titles = %v, want %v", articleTitles(got), want)
	}

	got, err = s.Find(ctx, query.All(), storage.FindOptions{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Find all: %v", err)
	}
	if want := []string{"B", "C"}; !reflect.DeepEqual(articleTitles(got), want) {
		t.Errorf("paged titles = %v, want %v", articleTitles(got), want)
	}

	if n, err := s.Count(ctx, query.Eq{Field: "section", Value: "go"}); err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestUpdateMovesIndexMembershipAndPreservesTTL(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, types.New(map[string]any{
		"title": "A", "author": "north", "section": "go", "_ttl": 3600,
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err := s.Update(ctx, id, map[string]any{"author": "south", "pages": 95})
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if ttl := mr.TTL("articles:" + id); ttl != time.Hour {
		t.Errorf("TTL after update = %v, want 1h", ttl)
	}
	if ids := members(t, s, "articles:idx:author:north"); len(ids) != 0 {
		t.Errorf("old membership survives: %v", ids)
	}
	if ids := members(t, s, "articles:idx:author:south"); !reflect.DeepEqual(ids, []string{id}) {
		t.Errorf("new membership = %v", ids)
	}

	after, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if after.Fields["author"] != "south" || after.Fields["pages"] != float64(95) {
		t.Errorf("merged fields = %v", after.Fields)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}

	ok, err = s.Update(ctx, "article_missing", map[string]any{"pages": 1})
	if err != nil || ok {
		t.Errorf("missing update = %v, %v, want false, nil", ok, err)
	}
}

func TestDeleteRemovesDocumentMetaAndMemberships(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()
	id := post(t, s, "A", "north", "go", 90)

	ok, err := s.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if mr.Exists("articles:" + id) {
		t.Errorf("document key survives")
	}
	if mr.Exists("articles:meta:" + id) {
		t.Errorf("metadata hash survives")
	}
	if ids := members(t, s, "articles:idx:author:north"); len(ids) != 0 {
		t.Errorf("membership survives: %v", ids)
	}

	ok, err = s.Delete(ctx, id)
	if err != nil || ok {
		t.Errorf("second delete = %v, %v, want false, nil", ok, err)
	}
}

func TestUpdateManyAndDeleteMany(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()
	post(t, s, "A", "north", "go", 90)
	post(t, s, "B", "north", "js", 150)
	post(t, s, "C", "south", "go", 300)

	n, err := s.UpdateMany(ctx, query.Eq{Field: "author", Value: "north"}, map[string]any{"reviewed": true})
	if err != nil || n != 2 {
		t.Fatalf("UpdateMany = %d, %v", n, err)
	}
	n, err = s.DeleteMany(ctx, query.Eq{Field: "reviewed", Value: true})
	if err != nil || n != 2 {
		t.Fatalf("DeleteMany = %d, %v", n, err)
	}
	if n, err := s.Count(ctx, query.All()); err != nil || n != 1 {
		t.Errorf("Count after deletes = %d, %v", n, err)
	}
}

func TestExpireAndTouch(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, types.New(map[string]any{"title": "A", "_ttl": 100}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.Expire(ctx, id, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Expire = %v, %v", ok, err)
	}
	if ttl := mr.TTL("articles:" + id); ttl != 10*time.Second {
		t.Errorf("TTL after expire = %v, want 10s", ttl)
	}
	if got := mr.HGet("articles:meta:"+id, "ttl"); got != "10" {
		t.Errorf("meta ttl = %q, want 10", got)
	}

	mr.FastForward(4 * time.Second)
	if ttl := mr.TTL("articles:" + id); ttl != 6*time.Second {
		t.Fatalf("TTL before touch = %v, want 6s", ttl)
	}
	ok, err = s.Touch(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	if ttl := mr.TTL("articles:" + id); ttl != 10*time.Second {
		t.Errorf("TTL after touch = %v, want 10s", ttl)
	}

	if ok, err := s.Expire(ctx, "article_missing", time.Minute); err != nil || ok {
		t.Errorf("Expire missing = %v, %v, want false, nil", ok, err)
	}
	if ok, err := s.Touch(ctx, "article_missing"); err != nil || ok {
		t.Errorf("Touch missing = %v, %v, want false, nil", ok, err)
	}
}

func TestClearCollection(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()
	post(t, s, "A", "north", "go", 90)
	post(t, s, "B", "south", "js", 150)
	if err := s.client.Set(ctx, "other:1", "keep", 0).Err(); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}

	deleted, err := s.ClearCollection(ctx)
	if err != nil {
		t.Fatalf("ClearCollection: %v", err)
	}
	if deleted == 0 {
		t.Fatalf("deleted = 0, want > 0")
	}
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "articles:") {
			t.Errorf("collection key survives: %s", k)
		}
	}
	if !mr.Exists("other:1") {
		t.Errorf("foreign key was deleted")
	}
}

func TestCreateIndexesRebuildsSets(t *testing.T) {
	s, mr := cacheStore(t)
	ctx := context.Background()
	a := post(t, s, "A", "north", "go", 90)
	b := post(t, s, "B", "south", "js", 150)

	for _, k := range []string{
		"articles:idx:author:north", "articles:idx:author:south",
		"articles:idx:section:go", "articles:idx:section:js",
	} {
		mr.Del(k)
	}

	if err := s.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes: %v", err)
	}
	if ids := members(t, s, "articles:idx:author:north"); !reflect.DeepEqual(ids, []string{a}) {
		t.Errorf("rebuilt author set = %v", ids)
	}
	if ids := members(t, s, "articles:idx:section:js"); !reflect.DeepEqual(ids, []string{b}) {
		t.Errorf("rebuilt section set = %v", ids)
	}
}

func TestRawCommands(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()

	if n, err := s.RawWrite(ctx, "SET probe hello"); err != nil || n != 1 {
		t.Fatalf("RawWrite SET = %d, %v", n, err)
	}
	rows, err := s.RawRead(ctx, "GET probe")
	if err != nil {
		t.Fatalf("RawRead: %v", err)
	}
	if len(rows) != 1 || rows[0]["value"] != "hello" {
		t.Errorf("rows = %v", rows)
	}

	if n, err := s.RawWrite(ctx, "SADD rawset a b"); err != nil || n != 2 {
		t.Errorf("RawWrite SADD = %d, %v", n, err)
	}
	if rows, err := s.RawRead(ctx, "GET nothing-here"); err != nil || rows != nil {
		t.Errorf("missing key = %v, %v, want nil rows", rows, err)
	}
	if _, err := s.RawRead(ctx, "   "); !errors.Is(err, storage.ErrQuery) {
		t.Errorf("empty command = %v, want query error", err)
	}
}

func TestModelInfoAndLists(t *testing.T) {
	s, _ := cacheStore(t)
	ctx := context.Background()
	post(t, s, "A", "north", "go", 90)
	post(t, s, "B", "south", "js", 150)

	info, err := s.ModelInfo(ctx)
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.Kind != model.KindCache || info.Path != "articles" {
		t.Errorf("info header = %+v", info)
	}
	if info.Options["documents"] != 2 {
		t.Errorf("documents = %v, want 2", info.Options["documents"])
	}
	if want := []string{"articles:idx:author", "articles:idx:section"}; !reflect.DeepEqual(info.Indexes, want) {
		t.Errorf("indexes = %v, want %v", info.Indexes, want)
	}

	if dbs, err := s.ListDatabases(ctx); err != nil || !reflect.DeepEqual(dbs, []string{"0"}) {
		t.Errorf("ListDatabases = %v, %v", dbs, err)
	}
	if models, err := s.ListModels(ctx); err != nil || !reflect.DeepEqual(models, []string{"articles"}) {
		t.Errorf("ListModels = %v, %v", models, err)
	}
}

func TestDisconnectedStoreRefusesWork(t *testing.T) {
	desc := articleModel(t, "127.0.0.1:6379")
	s, err := New(desc, desc.Bindings[0], Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Ping = %v, want connection error", err)
	}
	if _, err := s.Create(ctx, types.New(map[string]any{"title": "A"})); !errors.Is(err, storage.ErrConnection) {
		t.Errorf("Create = %v, want connection error", err)
	}
}

func TestFindOneMissing(t *testing.T) {
	s, _ := cacheStore(t)
	if _, err := s.FindOne(context.Background(), query.Eq{Field: "author", Value: "nobody"}); !storage.IsNotFound(err) {
		t.Errorf("FindOne = %v, want not found", err)
	}
}
