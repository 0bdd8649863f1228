// Package storage defines the DAO contract every backend adapter implements,
// the shared error taxonomy, and the derived helpers built on top of the
// contract. Concrete adapters live in subpackages (graph, vector,
// relational, cache, document, memory) and register themselves with the
// factory subpackage.
package storage

import (
	"context"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/types"
)

// FindOptions bounds and orders a Find.
type FindOptions struct {
	Limit   int
	Skip    int
	OrderBy string
	Desc    bool
}

// DAO is the uniform contract over one backend binding for one model. All
// methods take a context; blocking driver work must honor its cancellation.
// Implementations translate the typed query union to their native language
// and wrap driver errors onto the package taxonomy.
type DAO interface {
	// Connect opens the underlying client or pool. It is idempotent.
	Connect(ctx context.Context) error
	// Disconnect releases the client. Safe on a never-connected DAO.
	Disconnect(ctx context.Context) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Create(ctx context.Context, e *types.Entity) (string, error)
	CreateMany(ctx context.Context, es []*types.Entity) ([]string, error)
	FindByID(ctx context.Context, id string) (*types.Entity, error)
	FindOne(ctx context.Context, q query.Query) (*types.Entity, error)
	Find(ctx context.Context, q query.Query, opts FindOptions) ([]*types.Entity, error)
	Count(ctx context.Context, q query.Query) (int64, error)
	Exists(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, patch map[string]any) (bool, error)
	UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteMany(ctx context.Context, q query.Query) (int64, error)

	// CreateIndexes realizes the model's declared indexes, idempotently.
	CreateIndexes(ctx context.Context) error

	// RawRead and RawWrite pass native query text through with bound
	// parameters. Adapters never interpolate values into text.
	RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error)
	RawWrite(ctx context.Context, text string, params ...any) (int64, error)

	ListDatabases(ctx context.Context) ([]string, error)
	ListSchemas(ctx context.Context) ([]string, error)
	ListModels(ctx context.Context) ([]string, error)
	ModelInfo(ctx context.Context) (*ModelInfo, error)

	Kind() model.Kind
	Model() *model.Descriptor
}

// Named pairs a DAO with its binding declaration name for fan-out and the
// operations log.
type Named struct {
	Name string
	DAO  DAO
}

// ModelInfo is the introspection record for one model on one backend.
type ModelInfo struct {
	Name    string         `json:"name"`
	Path    string         `json:"path"`
	Kind    model.Kind     `json:"kind"`
	Fields  []FieldInfo    `json:"fields"`
	Indexes []string       `json:"indexes"`
	Options map[string]any `json:"options,omitempty"`
}

// FieldInfo describes one field as the backend sees it.
type FieldInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ModelSchema returns {field → backend type} from an info record.
func ModelSchema(info *ModelInfo) map[string]string {
	out := make(map[string]string, len(info.Fields))
	for _, f := range info.Fields {
		out[f.Name] = f.Type
	}
	return out
}

// ModelFields returns the field names from an info record.
func ModelFields(info *ModelInfo) []string {
	out := make([]string, len(info.Fields))
	for i, f := range info.Fields {
		out[i] = f.Name
	}
	return out
}

// ModelIndexes returns the index names from an info record.
func ModelIndexes(info *ModelInfo) []string {
	return append([]string(nil), info.Indexes...)
}

// FindOrCreate returns the first match for q, or creates e when nothing
// matches. The bool reports whether a create happened.
func FindOrCreate(ctx context.Context, d DAO, q query.Query, e *types.Entity) (*types.Entity, bool, error) {
	found, err := d.FindOne(ctx, q)
	if err == nil && found != nil {
		return found, false, nil
	}
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}
	id, err := d.Create(ctx, e)
	if err != nil {
		return nil, false, err
	}
	created, err := d.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// UpdateOrCreate patches the first match for q, or creates e when nothing
// matches. The bool reports whether a create happened.
func UpdateOrCreate(ctx context.Context, d DAO, q query.Query, patch map[string]any, e *types.Entity) (*types.Entity, bool, error) {
	found, err := d.FindOne(ctx, q)
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}
	if found != nil {
		if _, err := d.Update(ctx, found.ID, patch); err != nil {
			return nil, false, err
		}
		updated, err := d.FindByID(ctx, found.ID)
		return updated, false, err
	}
	for k, v := range patch {
		e.Set(k, v)
	}
	id, err := d.Create(ctx, e)
	if err != nil {
		return nil, false, err
	}
	created, err := d.FindByID(ctx, id)
	return created, true, err
}
