// Package uuidv7 generates and inspects time-ordered UUIDv7 identifiers.
//
// A v7 ID carries a 48-bit unix-millisecond timestamp in its high bits, so
// IDs generated in successive milliseconds sort by creation time both as raw
// bytes and in canonical string form. Callers that mix several entity
// classes in one namespace may use the "{tag}_{uuid}" prefixed form; the
// prefix is stripped before any validation or extraction.
package uuidv7

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a canonical-hyphenated UUIDv7 string.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewPrefixed returns "{tag}_{uuid}" for a fresh v7 ID.
func NewPrefixed(tag string) string {
	if tag == "" {
		return New()
	}
	return tag + "_" + New()
}

// Split separates an optional tag prefix from the UUID part. IDs without a
// prefix return an empty tag. The split is on the last underscore, so tags
// themselves may contain underscores.
func Split(id string) (tag, raw string) {
	i := strings.LastIndex(id, "_")
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+1:]
}

// IsV7 reports whether id (with any tag prefix removed) parses as a UUID
// with version nibble 7 and the RFC 4122 variant.
func IsV7(id string) bool {
	_, raw := Split(id)
	u, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	return u.Version() == 7 && u.Variant() == uuid.RFC4122
}

// ExtractTimestamp returns the unix-millisecond instant embedded in a v7 ID.
func ExtractTimestamp(id string) (time.Time, error) {
	_, raw := Split(id)
	u, err := uuid.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid uuid %q: %w", raw, err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("uuid %q is version %d, not 7", raw, u.Version())
	}
	ms := int64(u[0])<<40 | int64(u[1])<<32 | int64(u[2])<<24 |
		int64(u[3])<<16 | int64(u[4])<<8 | int64(u[5])
	return time.UnixMilli(ms).UTC(), nil
}
