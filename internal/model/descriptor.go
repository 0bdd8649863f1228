package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polystore/polystore/internal/query"
)

// IndexKind names a declared index flavor. Adapters map each kind onto
// whatever their backend supports and ignore kinds that do not apply.
type IndexKind string

const (
	IndexHash     IndexKind = "hash"
	IndexText     IndexKind = "text"
	IndexFulltext IndexKind = "fulltext"
	IndexExact    IndexKind = "exact"
	IndexGin      IndexKind = "gin"
	IndexBtree    IndexKind = "btree"
	IndexVector   IndexKind = "vector"
)

// Index declares one index on one field.
type Index struct {
	Field string    `yaml:"field" toml:"field" json:"field"`
	Kind  IndexKind `yaml:"kind" toml:"kind" json:"kind"`
}

// FieldType is the declared type of an entity field, used for schema
// synthesis and info output. Undeclared fields are still accepted by the
// dynamic backends; declarations exist for introspection and defaults.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldDatetime FieldType = "datetime"
	FieldList     FieldType = "list"
	FieldMap      FieldType = "map"
	FieldAny      FieldType = "any"
)

// FieldSpec declares one entity field.
type FieldSpec struct {
	Name     string    `yaml:"name" toml:"name" json:"name"`
	Type     FieldType `yaml:"type" toml:"type" json:"type"`
	Required bool      `yaml:"required" toml:"required" json:"required"`
	Default  any       `yaml:"default" toml:"default" json:"default,omitempty"`
}

// NamedBinding pairs a binding with its declaration name. Declaration order
// matters: the first binding is the primary.
type NamedBinding struct {
	Name    string  `yaml:"name" toml:"name" json:"name"`
	Binding Binding `yaml:"binding" toml:"binding" json:"binding"`
}

// Descriptor is the full metadata record for one entity class.
type Descriptor struct {
	Name      string            `yaml:"name" toml:"name" json:"name"`
	Path      string            `yaml:"path" toml:"path" json:"path"`
	IDField   string            `yaml:"id_field" toml:"id_field" json:"id_field"`
	IDPrefix  string            `yaml:"id_prefix" toml:"id_prefix" json:"id_prefix,omitempty"`
	Secured   bool              `yaml:"secured" toml:"secured" json:"secured"`
	Strategy  string            `yaml:"sync_strategy" toml:"sync_strategy" json:"sync_strategy,omitempty"`
	Bindings  []NamedBinding    `yaml:"bindings" toml:"bindings" json:"bindings"`
	Indexes   []Index           `yaml:"indexes" toml:"indexes" json:"indexes,omitempty"`
	Fields    []FieldSpec       `yaml:"fields" toml:"fields" json:"fields,omitempty"`
	Sensitive map[string]string `yaml:"sensitive" toml:"sensitive" json:"sensitive,omitempty"`
	Options   map[string]any    `yaml:"options" toml:"options" json:"options,omitempty"`
	Doc       string            `yaml:"doc" toml:"doc" json:"doc,omitempty"`
}

// Validate normalizes defaults and rejects unusable descriptors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("model has no name")
	}
	if !query.ValidIdent(d.Name) {
		return fmt.Errorf("model name %q: %w", d.Name, query.CheckIdent(d.Name))
	}
	if d.Path == "" {
		d.Path = strings.ToLower(d.Name)
	}
	if !query.ValidIdent(d.Path) {
		return fmt.Errorf("model %s: collection path %q is not a safe identifier", d.Name, d.Path)
	}
	if d.IDField == "" {
		d.IDField = "id"
	}
	if !query.ValidIdent(d.IDField) {
		return fmt.Errorf("model %s: id field %q is not a safe identifier", d.Name, d.IDField)
	}
	if len(d.Bindings) == 0 {
		return fmt.Errorf("model %s declares no bindings", d.Name)
	}
	seen := map[string]bool{}
	for i := range d.Bindings {
		nb := &d.Bindings[i]
		if nb.Name == "" {
			nb.Name = string(nb.Binding.Kind)
		}
		if seen[nb.Name] {
			return fmt.Errorf("model %s: duplicate binding name %q", d.Name, nb.Name)
		}
		seen[nb.Name] = true
		if err := nb.Binding.Validate(); err != nil {
			return fmt.Errorf("model %s binding %q: %w", d.Name, nb.Name, err)
		}
	}
	for _, ix := range d.Indexes {
		if !query.ValidIdent(ix.Field) {
			return fmt.Errorf("model %s: index field %q is not a safe identifier", d.Name, ix.Field)
		}
		switch ix.Kind {
		case IndexHash, IndexText, IndexFulltext, IndexExact, IndexGin, IndexBtree, IndexVector:
		default:
			return fmt.Errorf("model %s: unknown index kind %q on %q", d.Name, ix.Kind, ix.Field)
		}
	}
	for f := range d.Sensitive {
		if !query.ValidIdent(f) {
			return fmt.Errorf("model %s: sensitive field %q is not a safe identifier", d.Name, f)
		}
	}
	return nil
}

// Primary returns the first-declared binding, the source of truth under
// primary-first and eventual strategies.
func (d *Descriptor) Primary() NamedBinding {
	return d.Bindings[0]
}

// BindingNamed looks a binding up by declaration name.
func (d *Descriptor) BindingNamed(name string) (NamedBinding, bool) {
	for _, nb := range d.Bindings {
		if nb.Name == name {
			return nb, true
		}
	}
	return NamedBinding{}, false
}

// FirstOfKind returns the first binding of the given kind.
func (d *Descriptor) FirstOfKind(k Kind) (NamedBinding, bool) {
	for _, nb := range d.Bindings {
		if nb.Binding.Kind == k {
			return nb, true
		}
	}
	return NamedBinding{}, false
}

// GraphBound reports whether a graph binding is declared; when true the
// graph backend is the source of truth and its UID correlates the entity
// across every secondary binding.
func (d *Descriptor) GraphBound() bool {
	_, ok := d.FirstOfKind(KindGraph)
	return ok
}

// FieldNamed returns the declared spec for a field, if any.
func (d *Descriptor) FieldNamed(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// IndexedFields returns the declared index fields in declaration order.
func (d *Descriptor) IndexedFields() []string {
	out := make([]string, 0, len(d.Indexes))
	for _, ix := range d.Indexes {
		out = append(out, ix.Field)
	}
	return out
}

// SensitiveFields returns the sensitive field names in sorted order.
func (d *Descriptor) SensitiveFields() []string {
	out := make([]string, 0, len(d.Sensitive))
	for f := range d.Sensitive {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
