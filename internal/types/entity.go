// Package types defines the entity record shared by the CRUD engine and
// every backend adapter, plus the per-backend operation log entry.
package types

import (
	"time"

	"github.com/polystore/polystore/internal/security"
)

// Reserved field names inside an entity document. Adapters and the engine
// use these keys when flattening an Entity for storage; user fields may not
// collide with them.
const (
	FieldID         = "id"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldOwnerID    = "owner_id"
	FieldACL        = "acl"
	FieldAuthRules  = "auth_rules"
	FieldCreatedBy  = "created_by"
	FieldModifiedBy = "modified_by"
	FieldGraphID    = "graph_id"
	FieldMetadata   = "_metadata"
	FieldTTL        = "_ttl"
	FieldIndexes    = "_index_fields"
)

// Entity is one typed record: an ID, creation and update instants, the
// user-declared fields, and an optional security block for secured models.
type Entity struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]any
	Security  *Security
}

// Security carries ownership, audit, and ACL state for secured entities.
// GraphID is the opaque node handle assigned by the graph backend; when a
// graph binding is present it is the canonical cross-backend correlator.
type Security struct {
	OwnerID    string
	CreatedBy  string
	ModifiedBy string
	GraphID    string
	ACL        []security.ACLEntry
	AuthRules  []AuthDirective
}

// AuthDirective is a declarative auth rule carried on the entity. Rules are
// stored and round-tripped but not evaluated by CheckPermission; the ACL is
// the authorization source.
type AuthDirective struct {
	Name       string              `json:"name"`
	Effect     string              `json:"effect"`
	Principals []string            `json:"principals,omitempty"`
	Permission security.Permission `json:"permission,omitempty"`
	Condition  map[string]any      `json:"condition,omitempty"`
}

// New returns an entity over a copy of fields. ID and timestamps are left
// for the engine to stamp.
func New(fields map[string]any) *Entity {
	e := &Entity{Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// Get reads one user field.
func (e *Entity) Get(field string) (any, bool) {
	switch field {
	case FieldID:
		return e.ID, e.ID != ""
	case FieldCreatedAt:
		return e.CreatedAt, !e.CreatedAt.IsZero()
	case FieldUpdatedAt:
		return e.UpdatedAt, !e.UpdatedAt.IsZero()
	}
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[field]
	return v, ok
}

// Set writes one user field.
func (e *Entity) Set(field string, v any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[field] = v
}

// Clone returns a deep copy. Rollback and fan-out paths mutate copies, never
// the caller's instance.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := &Entity{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Fields:    copyMap(e.Fields),
	}
	if e.Security != nil {
		sec := *e.Security
		sec.ACL = append([]security.ACLEntry(nil), e.Security.ACL...)
		sec.AuthRules = append([]AuthDirective(nil), e.Security.AuthRules...)
		c.Security = &sec
	}
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}

// Document flattens the entity into the map shape adapters persist: user
// fields plus id, timestamps, and the security block under its reserved
// keys. The result is a fresh map.
func (e *Entity) Document() map[string]any {
	doc := make(map[string]any, len(e.Fields)+8)
	for k, v := range e.Fields {
		doc[k] = v
	}
	if e.ID != "" {
		doc[FieldID] = e.ID
	}
	if !e.CreatedAt.IsZero() {
		doc[FieldCreatedAt] = e.CreatedAt.UTC()
	}
	if !e.UpdatedAt.IsZero() {
		doc[FieldUpdatedAt] = e.UpdatedAt.UTC()
	}
	if s := e.Security; s != nil {
		doc[FieldOwnerID] = s.OwnerID
		doc[FieldCreatedBy] = s.CreatedBy
		doc[FieldModifiedBy] = s.ModifiedBy
		if s.GraphID != "" {
			doc[FieldGraphID] = s.GraphID
		}
		if len(s.ACL) > 0 {
			acl := make([]any, len(s.ACL))
			for i, entry := range s.ACL {
				acl[i] = entry.Map()
			}
			doc[FieldACL] = acl
		}
		if len(s.AuthRules) > 0 {
			rules := make([]any, len(s.AuthRules))
			for i, r := range s.AuthRules {
				rules[i] = map[string]any{
					"name":       r.Name,
					"effect":     r.Effect,
					"principals": toAnyList(r.Principals),
					"permission": string(r.Permission),
					"condition":  r.Condition,
				}
			}
			doc[FieldAuthRules] = rules
		}
	}
	return doc
}

func toAnyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// FromDocument rebuilds an entity from a stored document, splitting reserved
// keys out of the field map. Timestamps accept time.Time or RFC 3339
// strings, which is what the JSON-carrying backends hand back.
func FromDocument(doc map[string]any) *Entity {
	e := &Entity{Fields: make(map[string]any, len(doc))}
	var sec Security
	secured := false
	for k, v := range doc {
		switch k {
		case FieldID:
			if s, ok := v.(string); ok {
				e.ID = s
			}
		case FieldCreatedAt:
			if ts, ok := asTime(v); ok {
				e.CreatedAt = ts
			}
		case FieldUpdatedAt:
			if ts, ok := asTime(v); ok {
				e.UpdatedAt = ts
			}
		case FieldOwnerID:
			if s, ok := v.(string); ok && s != "" {
				sec.OwnerID = s
				secured = true
			}
		case FieldCreatedBy:
			if s, ok := v.(string); ok && s != "" {
				sec.CreatedBy = s
				secured = true
			}
		case FieldModifiedBy:
			if s, ok := v.(string); ok && s != "" {
				sec.ModifiedBy = s
				secured = true
			}
		case FieldGraphID:
			if s, ok := v.(string); ok && s != "" {
				sec.GraphID = s
				secured = true
			}
		case FieldACL:
			if entries := security.EntriesFromAny(v); entries != nil {
				sec.ACL = entries
				secured = true
			}
		case FieldAuthRules:
			if rules := rulesFromAny(v); rules != nil {
				sec.AuthRules = rules
				secured = true
			}
		default:
			e.Fields[k] = v
		}
	}
	if secured {
		e.Security = &sec
	}
	return e
}

func rulesFromAny(v any) []AuthDirective {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]AuthDirective, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := AuthDirective{
			Name:   stringAt(m, "name"),
			Effect: stringAt(m, "effect"),
		}
		if p := stringAt(m, "permission"); p != "" {
			r.Permission = security.Permission(p)
		}
		if ps, ok := m["principals"].([]any); ok {
			for _, p := range ps {
				if s, ok := p.(string); ok {
					r.Principals = append(r.Principals, s)
				}
			}
		}
		if c, ok := m["condition"].(map[string]any); ok {
			r.Condition = c
		}
		out = append(out, r)
	}
	return out
}

func stringAt(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
