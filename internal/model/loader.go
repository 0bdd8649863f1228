package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// descriptorFile is the on-disk shape of a model declaration file. Bindings
// are usually named references into the shared storage_configs section of
// the main config; inline bindings are allowed for one-off setups.
type descriptorFile struct {
	Models []Spec `yaml:"models" toml:"models"`
}

// Spec is the declaration-file shape of a model. The main config embeds
// specs inline under its models: key; Resolve turns one into a validated
// Descriptor.
type Spec struct {
	Name      string            `yaml:"name" toml:"name"`
	Path      string            `yaml:"path" toml:"path"`
	IDField   string            `yaml:"id_field" toml:"id_field"`
	IDPrefix  string            `yaml:"id_prefix" toml:"id_prefix"`
	Secured   bool              `yaml:"secured" toml:"secured"`
	Strategy  string            `yaml:"sync_strategy" toml:"sync_strategy"`
	Storages  []string          `yaml:"storages" toml:"storages"`
	Bindings  []NamedBinding    `yaml:"bindings" toml:"bindings"`
	Indexes   []Index           `yaml:"indexes" toml:"indexes"`
	Fields    []FieldSpec       `yaml:"fields" toml:"fields"`
	Sensitive map[string]string `yaml:"sensitive" toml:"sensitive"`
	Options   map[string]any    `yaml:"options" toml:"options"`
	Doc       string            `yaml:"doc" toml:"doc"`
}

// LoadFile parses a descriptor file (.yaml/.yml or .toml by extension) and
// resolves named storage references against storages. Returned descriptors
// are validated.
func LoadFile(path string, storages map[string]Binding) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var file descriptorFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("model file %s: unsupported extension", path)
	}
	out := make([]*Descriptor, 0, len(file.Models))
	for i := range file.Models {
		d, err := file.Models[i].Resolve(storages)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Resolve turns the spec into a Descriptor, looking up named storage
// references in storages. Named references come first, inline bindings
// after, preserving declaration order within each group. The first
// resolved binding is the primary.
func (fm *Spec) Resolve(storages map[string]Binding) (*Descriptor, error) {
	d := &Descriptor{
		Name:      fm.Name,
		Path:      fm.Path,
		IDField:   fm.IDField,
		IDPrefix:  fm.IDPrefix,
		Secured:   fm.Secured,
		Strategy:  fm.Strategy,
		Indexes:   fm.Indexes,
		Fields:    fm.Fields,
		Sensitive: fm.Sensitive,
		Options:   fm.Options,
		Doc:       fm.Doc,
	}
	for _, name := range fm.Storages {
		b, ok := storages[name]
		if !ok {
			return nil, fmt.Errorf("model %s references unknown storage %q", fm.Name, name)
		}
		d.Bindings = append(d.Bindings, NamedBinding{Name: name, Binding: b})
	}
	d.Bindings = append(d.Bindings, fm.Bindings...)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
