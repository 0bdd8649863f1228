package main

import (
	"strings"
	"testing"

	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/model"
)

func TestStarterConfigParses(t *testing.T) {
	text := starterConfig("docs", "PRIMARY_FIRST", true,
		[]string{string(model.KindGraph), string(model.KindCache)})

	cfg, err := config.Parse([]byte(text))
	if err != nil {
		t.Fatalf("starter config does not parse: %v\n%s", err, text)
	}

	g, ok := cfg.StorageConfigs["graph_main"]
	if !ok {
		t.Fatalf("missing graph_main in %v", cfg.StorageConfigs)
	}
	if g.Kind != model.KindGraph {
		t.Errorf("graph_main kind = %q", g.Kind)
	}
	if g.Port != 9080 {
		t.Errorf("graph_main port = %d, want the dgraph default 9080", g.Port)
	}
	if c := cfg.StorageConfigs["cache_main"]; c.Port != 6379 {
		t.Errorf("cache_main port = %d, want 6379", c.Port)
	}

	if len(cfg.Models) != 1 || cfg.Models[0].Name != "docs" {
		t.Fatalf("models = %+v", cfg.Models)
	}
	if !cfg.Models[0].Secured {
		t.Error("secured flag lost")
	}
	if got := cfg.Models[0].Storages; len(got) != 2 || got[0] != "graph_main" {
		t.Errorf("storages = %v, want graph_main primary", got)
	}
}

func TestStarterConfigEnvOverride(t *testing.T) {
	t.Setenv("POLYSTORE_CACHE_HOST", "redis.internal")
	t.Setenv("POLYSTORE_CACHE_PORT", "6380")

	text := starterConfig("docs", "SEQUENTIAL", false, []string{string(model.KindCache)})
	cfg, err := config.Parse([]byte(text))
	if err != nil {
		t.Fatal(err)
	}
	c := cfg.StorageConfigs["cache_main"]
	if c.Host != "redis.internal" || c.Port != 6380 {
		t.Errorf("cache binding = %s:%d, want redis.internal:6380", c.Host, c.Port)
	}
}

func TestReadBatchItems(t *testing.T) {
	input := `{"operation": "create", "model": "docs", "data": {"title": "a"}}

{"operation": "delete", "model": "docs", "id": "doc_1"}
`
	items, err := readBatchItems(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (blank lines skipped)", len(items))
	}
	if items[0].Operation != "create" || items[1].ID != "doc_1" {
		t.Errorf("items = %+v", items)
	}
}

func TestReadBatchItemsBadLine(t *testing.T) {
	_, err := readBatchItems(strings.NewReader("{\"operation\": \"create\"}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("want line-numbered error, got %v", err)
	}
}

func TestTimeBounds(t *testing.T) {
	findSince, findUntil = "-1d", ""
	defer func() { findSince, findUntil = "", "" }()

	q, err := timeBounds(nil)
	if err != nil {
		t.Fatal(err)
	}
	bounds, ok := q["created_at"].(map[string]any)
	if !ok || bounds["$gte"] == "" {
		t.Fatalf("want created_at $gte bound, got %v", q)
	}

	// An explicit created_at term wins over the flags.
	q, err = timeBounds(map[string]any{"created_at": "2025-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if q["created_at"] != "2025-01-01T00:00:00Z" {
		t.Fatalf("explicit created_at overwritten: %v", q["created_at"])
	}

	findSince = "not a time at all %%%"
	if _, err := timeBounds(nil); err == nil {
		t.Fatal("want error for unparseable --since")
	}
}
