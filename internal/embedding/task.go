package embedding

import (
	"context"
	"fmt"

	"github.com/polystore/polystore/internal/workerpool"
)

// EmbedTask is the worker-pool name for hash embedding. Process workers
// resolve it through the registry, so the task is usable from a child
// process where a closure cannot go.
const EmbedTask = "embedding:embed"

func init() {
	workerpool.RegisterFunc(EmbedTask, func(ctx context.Context, args, _ map[string]any) (any, error) {
		text, _ := args["text"].(string)
		dim := DefaultDimension
		switch d := args["dim"].(type) {
		case int:
			dim = d
		case float64: // JSON numbers arrive as float64 across the process boundary
			dim = int(d)
		}
		return NewHashEmbedder(dim).Embed(ctx, text)
	})
}

// ToVector recovers a []float32 from a worker-pool result. In-process
// results keep their type; results that crossed a process boundary come
// back as []any of float64 after the JSON round trip.
func ToVector(v any) ([]float32, error) {
	switch t := v.(type) {
	case []float32:
		return t, nil
	case []any:
		out := make([]float32, len(t))
		for i, e := range t {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("vector element %d is %T, not a number", i, e)
			}
			out[i] = float32(f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("result is %T, not a vector", v)
}
