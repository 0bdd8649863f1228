package embedding

import (
	"context"
	"math"
	"strings"
	"testing"
)

func TestEmbedDeterministic(t *testing.T) {
	e := NewHashEmbedder(256)
	a, err := e.Embed(context.Background(), "neural networks")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(context.Background(), "neural networks")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic")
		}
	}
}

func TestEmbedEmptyIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(64)
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 64 {
		t.Fatalf("dimension = %d", len(vec))
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatal("empty input did not embed to the zero vector")
		}
	}
}

func TestEmbedNormalized(t *testing.T) {
	e := NewHashEmbedder(512)
	vec, _ := e.Embed(context.Background(), "some text to embed")
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("norm^2 = %v, want 1", sum)
	}
}

// Ranking law behind the semantic-search scenario: for the query
// "deep learning frameworks", documents sharing query vocabulary or word
// fragments rank above unrelated ones.
func TestSemanticRankingOrder(t *testing.T) {
	e := NewHashEmbedder(DefaultDimension)
	ctx := context.Background()

	queryVec, _ := e.Embed(ctx, "deep learning frameworks")
	docA, _ := e.Embed(ctx, "Neural networks and deep learning")
	docB, _ := e.Embed(ctx, "Python best practices")
	docC, _ := e.Embed(ctx, "PyTorch neural networks")

	distA := CosineDistance(queryVec, docA)
	distB := CosineDistance(queryVec, docB)
	distC := CosineDistance(queryVec, docC)

	if !(distA < distB) {
		t.Errorf("distance A (%v) not below B (%v)", distA, distB)
	}
	if !(distC < distB) {
		t.Errorf("distance C (%v) not below B (%v)", distC, distB)
	}
}

func TestEntityText(t *testing.T) {
	fields := map[string]any{
		"title":   "T",
		"count":   3,
		"_ttl":    300,
		"empty":   "",
		"none":    nil,
		"tags":    []any{"x", "y"},
		"details": map[string]any{"lang": "en", "draft": true},
	}
	got := EntityText(fields)
	want := strings.Join([]string{
		"details.lang: en",
		"tags: x y",
		"title: T",
	}, "\n")
	if got != want {
		t.Errorf("EntityText =\n%q\nwant\n%q", got, want)
	}
}

func TestEntityTextEmpty(t *testing.T) {
	if got := EntityText(map[string]any{"n": 42, "_meta": "x"}); got != "" {
		t.Errorf("EntityText = %q, want empty", got)
	}
}

func TestVectorLiteral(t *testing.T) {
	got := Vector([]float32{0, 0.5, -1})
	if got != "[0,0.5,-1]" {
		t.Errorf("Vector = %q", got)
	}
}

func TestCosineDistanceBounds(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if d := CosineDistance(a, a); math.Abs(d) > 1e-9 {
		t.Errorf("self distance = %v", d)
	}
	if d := CosineDistance(a, b); math.Abs(d-1) > 1e-9 {
		t.Errorf("orthogonal distance = %v", d)
	}
	if d := CosineDistance(a, []float32{0, 0}); d != 1 {
		t.Errorf("zero-vector distance = %v", d)
	}
}
