// Package model holds entity metadata: storage kinds, backend bindings,
// per-entity descriptors, and the registry that maps model names to them.
//
// Files:
//   - kind.go: storage kind enum, default ports, connection-string builders
//   - binding.go: BackendBinding and validation
//   - descriptor.go: Descriptor, index and field declarations
//   - registry.go: explicit model registry handle
//   - loader.go: descriptor files in YAML or TOML
package model

import (
	"fmt"
	"strings"
)

// Kind identifies a class of storage backend.
type Kind string

const (
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
	KindTimeseries Kind = "timeseries"
	KindVector     Kind = "vector"
	KindGraph      Kind = "graph"
	KindCache      Kind = "cache"
	KindFile       Kind = "file"
)

// Kinds lists every known storage kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindRelational, KindDocument, KindTimeseries,
		KindVector, KindGraph, KindCache, KindFile,
	}
}

// ParseKind normalizes a user-supplied kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindRelational, KindDocument, KindTimeseries, KindVector, KindGraph, KindCache, KindFile:
		return k, nil
	}
	return "", fmt.Errorf("unknown storage kind %q", s)
}

// DefaultPort returns the conventional port for a kind. File-backed kinds
// have no port and return 0.
func DefaultPort(k Kind) int {
	switch k {
	case KindRelational, KindVector:
		return 5432
	case KindGraph:
		return 9080
	case KindCache:
		return 6379
	case KindTimeseries:
		return 8086
	default:
		return 0
	}
}

// ConnString renders the native connection string for a binding. An explicit
// ConnString on the binding wins. Passwords are included here and nowhere
// else; callers that log bindings must use Binding.Redacted.
func ConnString(b Binding) string {
	if b.ConnString != "" {
		return b.ConnString
	}
	host := b.Host
	if host == "" {
		host = "localhost"
	}
	port := b.Port
	if port == 0 {
		port = DefaultPort(b.Kind)
	}
	switch b.Kind {
	case KindRelational, KindVector:
		var sb strings.Builder
		fmt.Fprintf(&sb, "postgres://")
		if b.Username != "" {
			sb.WriteString(b.Username)
			if b.Password != "" {
				sb.WriteString(":" + b.Password)
			}
			sb.WriteString("@")
		}
		fmt.Fprintf(&sb, "%s:%d/%s", host, port, b.Database)
		if b.Timeout > 0 {
			fmt.Fprintf(&sb, "?connect_timeout=%d", int(b.Timeout.Seconds()))
		}
		return sb.String()
	case KindGraph:
		return fmt.Sprintf("%s:%d", host, port)
	case KindCache:
		if b.Username != "" || b.Password != "" {
			return fmt.Sprintf("redis://%s:%s@%s:%d/%s", b.Username, b.Password, host, port, b.Database)
		}
		return fmt.Sprintf("redis://%s:%d/%s", host, port, b.Database)
	case KindDocument, KindFile:
		if b.Database != "" {
			return b.Database
		}
		return b.Host
	case KindTimeseries:
		return fmt.Sprintf("http://%s:%d", host, port)
	}
	return ""
}
