package vector

import (
	"context"
	"fmt"

	"github.com/polystore/polystore/internal/embedding"
	"github.com/polystore/polystore/internal/types"
)

// Match pairs a ranked entity with its distance to the probe vector.
// Smaller is closer.
type Match struct {
	Entity   *types.Entity
	Distance float64
}

// VectorSearch returns the limit nearest entities to vec, closest first.
// Embeddings are L2-normalized, so the <-> ordering agrees with cosine
// similarity.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, limit int) ([]Match, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT data, embedding <-> $1 AS distance FROM %s ORDER BY embedding <-> $1 LIMIT $2",
		s.ident()), embedding.Vector(vec), limit)
	if err != nil {
		return nil, s.wrap("search", err)
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var raw []byte
		var dist float64
		if err := rows.Scan(&raw, &dist); err != nil {
			return nil, s.wrap("search", err)
		}
		e, err := s.decode("", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{Entity: e, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("search", err)
	}
	return out, nil
}

// SemanticSearch embeds the text and ranks by vector distance to it.
func (s *Store) SemanticSearch(ctx context.Context, text string, limit int) ([]Match, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.VectorSearch(ctx, vec, limit)
}
