package model

import (
	"fmt"
	"time"
)

// Binding ties a model to one backend instance. The zero value is not
// usable; construct via config loading or NewBinding and validate before
// handing to an adapter.
type Binding struct {
	Kind       Kind           `yaml:"kind" toml:"kind" json:"kind"`
	Host       string         `yaml:"host" toml:"host" json:"host"`
	Port       int            `yaml:"port" toml:"port" json:"port"`
	Database   string         `yaml:"database" toml:"database" json:"database"`
	Username   string         `yaml:"username" toml:"username" json:"username"`
	Password   string         `yaml:"password" toml:"password" json:"-"`
	Timeout    time.Duration  `yaml:"timeout" toml:"timeout" json:"timeout"`
	Options    map[string]any `yaml:"options" toml:"options" json:"options,omitempty"`
	ConnString string         `yaml:"connection_string" toml:"connection_string" json:"-"`
}

// NewBinding fills kind-appropriate defaults for host and port.
func NewBinding(kind Kind) Binding {
	return Binding{
		Kind:    kind,
		Host:    "localhost",
		Port:    DefaultPort(kind),
		Timeout: 30 * time.Second,
	}
}

// Validate checks the binding is complete enough to connect with.
func (b Binding) Validate() error {
	if _, err := ParseKind(string(b.Kind)); err != nil {
		return err
	}
	switch b.Kind {
	case KindDocument, KindFile:
		if b.Database == "" && b.Host == "" && b.ConnString == "" {
			return fmt.Errorf("%s binding needs a database path", b.Kind)
		}
	default:
		if b.Host == "" && b.ConnString == "" {
			return fmt.Errorf("%s binding needs a host", b.Kind)
		}
	}
	return nil
}

// Option returns a typed entry from the binding's options map.
func (b Binding) Option(key string) (any, bool) {
	if b.Options == nil {
		return nil, false
	}
	v, ok := b.Options[key]
	return v, ok
}

// IntOption returns an integer option, tolerating YAML's int/float split.
func (b Binding) IntOption(key string, def int) int {
	v, ok := b.Option(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Redacted returns a copy safe for logs and error messages.
func (b Binding) Redacted() Binding {
	c := b
	if c.Password != "" {
		c.Password = "****"
	}
	if c.ConnString != "" {
		c.ConnString = "****"
	}
	return c
}

// Addr is "host:port" with defaults applied.
func (b Binding) Addr() string {
	host := b.Host
	if host == "" {
		host = "localhost"
	}
	port := b.Port
	if port == 0 {
		port = DefaultPort(b.Kind)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
