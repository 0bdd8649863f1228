// Package embedding turns entity text into fixed-width vectors for the
// vector adapter. The model behind Embed is deliberately opaque: the default
// implementation is a deterministic local hasher so ranking is reproducible
// without network access, and the interface is the seam for a real model.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// DefaultDimension matches the conventional sentence-embedding width used
// by the vector table DDL when no dimension is configured.
const DefaultDimension = 768

// Embedder converts text to a vector of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder is a deterministic bag-of-features embedder: whole words
// (weighted) and character trigrams are hashed into dimension buckets and
// the result is L2-normalized. It has no semantic knowledge, but shared
// vocabulary and shared word fragments both pull texts together, which is
// enough for ranking tests and offline development. Empty input embeds to
// the zero vector.
type HashEmbedder struct {
	dim int
}

const wordWeight = 4

// NewHashEmbedder returns a hash embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector width.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	words := tokenize(text)
	if len(words) == 0 {
		return vec, nil
	}
	for _, w := range words {
		vec[h.bucket(w)] += wordWeight
		for _, tri := range trigrams(w) {
			vec[h.bucket(tri)]++
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) bucket(s string) int {
	f := fnv.New32a()
	f.Write([]byte(s))
	return int(f.Sum32() % uint32(h.dim))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func trigrams(w string) []string {
	if len(w) < 3 {
		return nil
	}
	out := make([]string, 0, len(w)-2)
	for i := 0; i+3 <= len(w); i++ {
		out = append(out, w[i:i+3])
	}
	return out
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineDistance is 1 - cosine similarity, the same ordering the vector
// backend's <-> operator produces for normalized vectors.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// EntityText flattens an entity document into the text handed to the
// embedder: sorted "key: value" lines for string values, recursing into
// nested maps with dotted prefixes. Internal keys (leading underscore) and
// non-text values are skipped; nil fields contribute nothing. An entity
// with no textual content embeds to the zero vector.
func EntityText(fields map[string]any) string {
	var lines []string
	collectText("", fields, &lines)
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func collectText(prefix string, fields map[string]any, lines *[]string) {
	for k, v := range fields {
		if strings.HasPrefix(k, "_") {
			continue
		}
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				*lines = append(*lines, key+": "+t)
			}
		case map[string]any:
			collectText(key, t, lines)
		case []any:
			var parts []string
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				*lines = append(*lines, key+": "+strings.Join(parts, " "))
			}
		}
	}
}

// Vector renders a float32 slice in the backend's literal form, e.g.
// "[0.1,0.2]". Parameter binding still applies; this is the bound value.
func Vector(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}
