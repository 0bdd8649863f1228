package config

import (
	"os"
	"regexp"
)

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:-default} references in raw config
// text before parsing. Substitution happens ahead of the YAML parser, so
// an unquoted integer-looking or true/false substitution comes out typed
// while a quoted one stays a string. An unset variable without a default
// expands to the empty string.
func Expand(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if m == nil {
			return ref
		}
		if v, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(v)
		}
		return m[3]
	})
}
