package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polystore/polystore/internal/crud"
	"github.com/polystore/polystore/internal/query"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/types"
)

func (s *Server) handleDataops(ctx context.Context, req *Request) Response {
	var args DataopsArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return errorResponse("invalid dataops args: %v", err)
	}
	result, err := s.dataops(ctx, &args)
	if err != nil {
		return errorResponse("%v", err)
	}
	return dataResponse(result)
}

// dataops runs one data operation against the registry. Errors come back
// typed for internal callers; the handlers flatten them into the response.
func (s *Server) dataops(ctx context.Context, args *DataopsArgs) (*DataopsResult, error) {
	if args.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	eng, err := s.registry.Get(args.Model)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(args.Operation)) {
	case ActionCreate:
		return s.doCreate(ctx, eng, args)
	case ActionRead:
		return s.doRead(ctx, eng, args)
	case ActionUpdate:
		return s.doUpdate(ctx, eng, args)
	case ActionDelete:
		return s.doDelete(ctx, eng, args)
	case ActionFind:
		return s.doFind(ctx, eng, args)
	default:
		return nil, fmt.Errorf("unknown dataops operation %q (want create, read, update, delete, or find)", args.Operation)
	}
}

func (s *Server) doCreate(ctx context.Context, eng *crud.Engine, args *DataopsArgs) (*DataopsResult, error) {
	doc, err := decodePayload(args.Data, args.Format)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("create requires data")
	}

	created, err := eng.Create(ctx, args.Context, types.FromDocument(doc))
	if err != nil {
		return nil, err
	}

	data, err := encodePayload(sanitized(eng, created), args.Format)
	if err != nil {
		return nil, err
	}
	return &DataopsResult{
		Operation: ActionCreate,
		Model:     eng.Descriptor().Name,
		ID:        created.ID,
		Data:      data,
	}, nil
}

func (s *Server) doRead(ctx context.Context, eng *crud.Engine, args *DataopsArgs) (*DataopsResult, error) {
	id, err := targetID(args, ActionRead)
	if err != nil {
		return nil, err
	}

	result := &DataopsResult{Operation: ActionRead, Model: eng.Descriptor().Name, ID: id}

	ent, err := eng.FindByID(ctx, args.Context, id)
	if storage.IsNotFound(err) {
		// A read miss is not a tool failure: data stays null.
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Data, err = encodePayload(sanitized(eng, ent), args.Format)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) doUpdate(ctx context.Context, eng *crud.Engine, args *DataopsArgs) (*DataopsResult, error) {
	patch, err := decodePayload(args.Data, args.Format)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("update requires data")
	}

	id := args.ID
	if id == "" {
		if v, ok := patch[types.FieldID].(string); ok {
			id = v
		}
	}
	if id == "" {
		return nil, fmt.Errorf("update requires an id")
	}

	updated, err := eng.Update(ctx, args.Context, id, patch)
	if err != nil {
		return nil, err
	}

	data, err := encodePayload(sanitized(eng, updated), args.Format)
	if err != nil {
		return nil, err
	}
	return &DataopsResult{
		Operation: ActionUpdate,
		Model:     eng.Descriptor().Name,
		ID:        updated.ID,
		Data:      data,
	}, nil
}

func (s *Server) doDelete(ctx context.Context, eng *crud.Engine, args *DataopsArgs) (*DataopsResult, error) {
	id, err := targetID(args, ActionDelete)
	if err != nil {
		return nil, err
	}
	if err := eng.Delete(ctx, args.Context, id); err != nil {
		return nil, err
	}
	return &DataopsResult{
		Operation: ActionDelete,
		Model:     eng.Descriptor().Name,
		ID:        id,
		Deleted:   true,
	}, nil
}

func (s *Server) doFind(ctx context.Context, eng *crud.Engine, args *DataopsArgs) (*DataopsResult, error) {
	q := query.All()
	if len(args.Query) > 0 {
		var err error
		q, err = query.Parse(args.Query)
		if err != nil {
			return nil, err
		}
	}

	opts := storage.FindOptions{
		Limit:   args.Limit,
		Skip:    args.Skip,
		OrderBy: args.OrderBy,
		Desc:    args.Desc,
	}
	ents, err := eng.Find(ctx, args.Context, q, opts)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(ents))
	for _, ent := range ents {
		data, err := encodePayload(sanitized(eng, ent), args.Format)
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	return &DataopsResult{
		Operation: ActionFind,
		Model:     eng.Descriptor().Name,
		Items:     items,
		Count:     int64(len(items)),
	}, nil
}

func (s *Server) handleDataopsInfo(_ context.Context, req *Request) Response {
	var args InfoArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse("invalid dataops_info args: %v", err)
		}
	}

	names := s.registry.Models()
	if args.Model != "" {
		names = []string{args.Model}
	}

	models := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		eng, err := s.registry.Get(name)
		if err != nil {
			return errorResponse("%v", err)
		}
		models = append(models, describe(eng))
	}
	return dataResponse(InfoResult{Models: models})
}

func describe(eng *crud.Engine) ModelInfo {
	desc := eng.Descriptor()
	info := ModelInfo{
		Name:     desc.Name,
		Path:     desc.Path,
		IDField:  desc.IDField,
		IDPrefix: desc.IDPrefix,
		Secured:  desc.Secured,
		Strategy: string(eng.Strategy()),
		Primary:  eng.Primary().Name,
		Doc:      desc.Doc,
	}
	for _, d := range eng.Adapters() {
		info.Bindings = append(info.Bindings, d.Name)
	}
	for field := range desc.Sensitive {
		info.Sensitive = append(info.Sensitive, field)
	}
	sort.Strings(info.Sensitive)
	for _, f := range desc.Fields {
		info.Fields = append(info.Fields, FieldInfo{
			Name:     f.Name,
			Type:     string(f.Type),
			Required: f.Required,
			Default:  f.Default,
		})
	}
	return info
}

func (s *Server) handleDataopsBatch(ctx context.Context, req *Request) Response {
	var args BatchArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return errorResponse("invalid dataops_batch args: %v", err)
	}

	result := BatchResult{Results: make([]BatchItemResult, 0, len(args.Operations))}
	for i := range args.Operations {
		itemArgs, err := batchItemArgs(&args.Operations[i])
		if err == nil {
			var res *DataopsResult
			res, err = s.dataops(ctx, itemArgs)
			if err == nil {
				result.Results = append(result.Results, BatchItemResult{Success: true, Data: res})
				result.Completed++
				continue
			}
		}

		result.Results = append(result.Results, BatchItemResult{Success: false, Error: err.Error()})
		result.Failed++
		if args.Transaction {
			result.Aborted = true
			break
		}
	}
	return dataResponse(result)
}

func batchItemArgs(item *BatchItem) (*DataopsArgs, error) {
	args := &DataopsArgs{
		Operation: item.Operation,
		Model:     item.Model,
		ID:        item.ID,
		Context:   item.Context,
	}
	if item.Data != nil {
		raw, err := json.Marshal(item.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid batch item data: %w", err)
		}
		args.Data = raw
	}
	return args, nil
}

// targetID resolves the entity id for read and delete, from the explicit
// field or from the data payload.
func targetID(args *DataopsArgs, op string) (string, error) {
	if args.ID != "" {
		return args.ID, nil
	}
	if len(args.Data) > 0 {
		doc, err := decodePayload(args.Data, args.Format)
		if err != nil {
			return "", err
		}
		if id, ok := doc[types.FieldID].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s requires an id", op)
}

// sanitized projects an entity through the model's sensitive-field
// templates. Every document leaving the daemon passes through here.
func sanitized(eng *crud.Engine, ent *types.Entity) map[string]any {
	return security.Project(ent.Document(), eng.Descriptor().Sensitive)
}

// decodePayload turns the wire form of a document into a field map. Dict
// payloads are native JSON objects; json and yaml payloads are encoded
// strings.
func decodePayload(raw json.RawMessage, format string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch format {
	case "", FormatDict:
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("data must be a JSON object in dict format: %w", err)
		}
		return doc, nil
	case FormatJSON:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("data must be an encoded string in json format: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		return doc, nil
	case FormatYAML:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("data must be an encoded string in yaml format: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal([]byte(encoded), &doc); err != nil {
			return nil, fmt.Errorf("invalid yaml payload: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unsupported format %q (want dict, json, or yaml)", format)
	}
}

// encodePayload renders a sanitized document in the requested format: the
// map itself for dict, an encoded string for json and yaml.
func encodePayload(doc map[string]any, format string) (any, error) {
	switch format {
	case "", FormatDict:
		return doc, nil
	case FormatJSON:
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json payload: %w", err)
		}
		return string(b), nil
	case FormatYAML:
		b, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml payload: %w", err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported format %q (want dict, json, or yaml)", format)
	}
}
