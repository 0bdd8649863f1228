package polystore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/polystore/polystore"
	"github.com/polystore/polystore/internal/storage"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
storage_configs:
  notes_db:
    kind: document
    database: %s

models:
  - name: Note
    sync_strategy: SEQUENTIAL
    storages: [notes_db]
    fields:
      - name: title
        type: string
        required: true
      - name: pages
        type: int
`, filepath.Join(dir, "notes.db"))
	path := filepath.Join(dir, "polystore.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func openStore(t *testing.T) *polystore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := polystore.Open(ctx, writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestOpenConnectsDeclaredModels(t *testing.T) {
	store := openStore(t)

	models := store.Models()
	if len(models) != 1 || models[0] != "Note" {
		t.Fatalf("Models() = %v, want [Note]", models)
	}
	desc, err := store.Descriptor("Note")
	if err != nil {
		t.Fatalf("Descriptor(Note): %v", err)
	}
	if desc.Path != "note" {
		t.Errorf("descriptor path = %q, want %q", desc.Path, "note")
	}

	engine, err := store.Engine("Note")
	if err != nil {
		t.Fatalf("Engine(Note): %v", err)
	}
	if engine.Strategy() != polystore.Sequential {
		t.Errorf("strategy = %q, want %q", engine.Strategy(), polystore.Sequential)
	}
}

func TestOpenMissingConfig(t *testing.T) {
	_, err := polystore.Open(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Open should fail for a missing config file")
	}
}

func TestEntityLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	engine, err := store.Engine("Note")
	if err != nil {
		t.Fatalf("Engine(Note): %v", err)
	}

	created, err := engine.Create(ctx, nil, polystore.NewEntity(map[string]any{
		"title": "grocery list",
		"pages": 2,
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := engine.FindByID(ctx, nil, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if title, _ := got.Get("title"); title != "grocery list" {
		t.Errorf("title = %v, want %q", title, "grocery list")
	}

	found, err := engine.Find(ctx, nil, polystore.Eq{Field: "title", Value: "grocery list"}, storage.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(found) != 1 || found[0].ID != created.ID {
		t.Fatalf("Find returned %d entities, want the created one", len(found))
	}

	updated, err := engine.Update(ctx, nil, created.ID, map[string]any{"pages": 3})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if pages, _ := updated.Get("pages"); fmt.Sprint(pages) != "3" {
		t.Errorf("pages = %v, want 3", pages)
	}

	if err := engine.Delete(ctx, nil, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := engine.FindByID(ctx, nil, created.ID); !errors.Is(err, polystore.ErrNotFound) {
		t.Errorf("FindByID after delete = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsMissingRequiredField(t *testing.T) {
	store := openStore(t)
	engine, err := store.Engine("Note")
	if err != nil {
		t.Fatalf("Engine(Note): %v", err)
	}
	_, err = engine.Create(context.Background(), nil, polystore.NewEntity(map[string]any{"pages": 1}))
	if !errors.Is(err, polystore.ErrValidation) {
		t.Fatalf("Create without title = %v, want ErrValidation", err)
	}
}

func TestSubscribeObservesMutations(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	engine, err := store.Engine("Note")
	if err != nil {
		t.Fatalf("Engine(Note): %v", err)
	}

	var mu sync.Mutex
	var seen []polystore.EventType
	store.Subscribe(polystore.HandlerFunc{
		Name:  "recorder",
		Types: []polystore.EventType{"entity.created", "entity.deleted"},
		Fn: func(ctx context.Context, ev *polystore.Event) error {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			return nil
		},
	})

	created, err := engine.Create(ctx, nil, polystore.NewEntity(map[string]any{"title": "t"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := engine.Delete(ctx, nil, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "entity.created" || seen[1] != "entity.deleted" {
		t.Errorf("events = %v, want [entity.created entity.deleted]", seen)
	}
}
