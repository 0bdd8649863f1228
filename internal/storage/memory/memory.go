// Package memory provides a map-backed DAO. It is the reference
// implementation of the storage contract: the sync engine and RPC tests
// run against it, and embedders can use it as an ephemeral backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/uuidv7"
)

// Store holds one model's documents in process memory. Reads and writes
// deep-copy at the boundary, so callers can never alias stored state.
type Store struct {
	desc *model.Descriptor
	kind model.Kind

	mu        sync.RWMutex
	docs      map[string]map[string]any
	order     []string
	indexes   []string
	connected bool
}

// New returns a store for desc that reports itself as kind, so a single
// implementation can stand in for any backend in engine tests.
func New(desc *model.Descriptor, kind model.Kind) *Store {
	return &Store{
		desc: desc,
		kind: kind,
		docs: map[string]map[string]any{},
	}
}

func (s *Store) Kind() model.Kind         { return s.kind }
func (s *Store) Model() *model.Descriptor { return s.desc }

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("memory store %s: %w", s.desc.Name, storage.ErrConnection)
	}
	return nil
}

func (s *Store) check() error {
	if !s.connected {
		return fmt.Errorf("memory store %s: %w", s.desc.Name, storage.ErrConnection)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, e *types.Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.WrapContext("create", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.createLocked(e)
}

func (s *Store) createLocked(e *types.Entity) (string, error) {
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuidv7.NewPrefixed(s.desc.IDPrefix)
	}
	if _, exists := s.docs[c.ID]; exists {
		return "", fmt.Errorf("%s %q: %w", s.desc.Name, c.ID, storage.ErrDuplicate)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.docs[c.ID] = c.Document()
	s.order = append(s.order, c.ID)
	return c.ID, nil
}

func (s *Store) CreateMany(ctx context.Context, es []*types.Entity) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapContext("create many", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(es))
	for _, e := range es {
		id, err := s.createLocked(e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, storage.NotFound(s.desc.Name, id)
	}
	return s.entity(doc), nil
}

func (s *Store) FindOne(ctx context.Context, q query.Query) (*types.Entity, error) {
	out, err := s.Find(ctx, q, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s matching %s: %w", s.desc.Name, query.Describe(q), storage.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) Find(ctx context.Context, q query.Query, opts storage.FindOptions) ([]*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapContext("find", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	matched := make([]map[string]any, 0)
	for _, id := range s.order {
		doc := s.docs[id]
		if query.Match(q, doc) {
			matched = append(matched, doc)
		}
	}
	if opts.OrderBy != "" {
		field := opts.OrderBy
		sort.SliceStable(matched, func(i, j int) bool {
			cmp, ok := query.Compare(matched[i][field], matched[j][field])
			if !ok {
				return false
			}
			if opts.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*types.Entity, 0, len(matched))
	for _, doc := range matched {
		out = append(out, s.entity(doc))
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range s.docs {
		if query.Match(q, doc) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return false, err
	}
	_, ok := s.docs[id]
	return ok, nil
}

func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.WrapContext("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	doc, ok := s.docs[id]
	if !ok {
		return false, nil
	}
	s.applyLocked(doc, patch)
	return true, nil
}

func (s *Store) UpdateMany(ctx context.Context, q query.Query, patch map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapContext("update many", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range s.order {
		doc := s.docs[id]
		if query.Match(q, doc) {
			s.applyLocked(doc, patch)
			n++
		}
	}
	return n, nil
}

// applyLocked merges patch into doc. The id is immutable and the update
// timestamp always moves.
func (s *Store) applyLocked(doc map[string]any, patch map[string]any) {
	for k, v := range patch {
		if k == types.FieldID {
			continue
		}
		doc[k] = v
	}
	doc[types.FieldUpdatedAt] = time.Now().UTC()
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.WrapContext("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	if _, ok := s.docs[id]; !ok {
		return false, nil
	}
	s.removeLocked(id)
	return true, nil
}

func (s *Store) DeleteMany(ctx context.Context, q query.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapContext("delete many", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	var doomed []string
	for _, id := range s.order {
		if query.Match(q, s.docs[id]) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		s.removeLocked(id)
	}
	return int64(len(doomed)), nil
}

func (s *Store) removeLocked(id string) {
	delete(s.docs, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) CreateIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.indexes = s.indexes[:0]
	for _, idx := range s.desc.Indexes {
		s.indexes = append(s.indexes, fmt.Sprintf("%s.%s", s.desc.Path, idx.Field))
	}
	return nil
}

func (s *Store) RawRead(ctx context.Context, text string, params ...any) ([]map[string]any, error) {
	return nil, fmt.Errorf("memory store has no native query language: %w", storage.ErrQuery)
}

func (s *Store) RawWrite(ctx context.Context, text string, params ...any) (int64, error) {
	return 0, fmt.Errorf("memory store has no native write language: %w", storage.ErrQuery)
}

func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{"memory"}, nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	return []string{"default"}, nil
}

func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	return []string{s.desc.Path}, nil
}

func (s *Store) ModelInfo(ctx context.Context) (*storage.ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	info := &storage.ModelInfo{
		Name:    s.desc.Name,
		Path:    s.desc.Path,
		Kind:    s.kind,
		Indexes: append([]string(nil), s.indexes...),
		Options: map[string]any{"documents": len(s.docs)},
	}
	info.Fields = append(info.Fields, storage.FieldInfo{Name: types.FieldID, Type: "string"})
	for _, f := range s.desc.Fields {
		info.Fields = append(info.Fields, storage.FieldInfo{
			Name:     f.Name,
			Type:     string(f.Type),
			Nullable: !f.Required,
		})
	}
	return info, nil
}

func (s *Store) entity(doc map[string]any) *types.Entity {
	return types.FromDocument(doc).Clone()
}

var _ storage.DAO = (*Store)(nil)
