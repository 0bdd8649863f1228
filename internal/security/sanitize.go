package security

import (
	"strings"

	"github.com/polystore/polystore/internal/uuidv7"
)

// Mask renders the mask for one sensitive field. "{field}" inside the
// template expands to the field name. A template ending in "uid" requests a
// unique mask: a freshly generated UUID is appended so two maskings of the
// same field never collide.
func Mask(field, template string) string {
	masked := strings.ReplaceAll(template, "{field}", field)
	if strings.HasSuffix(template, "uid") {
		masked += "_" + uuidv7.New()
	}
	return masked
}

// Project returns a copy of fields with every sensitive field replaced by
// its mask. It is a pure projection: the input map is never mutated, and it
// runs at the serialization boundary each time a record leaves the process,
// not at assignment time. Absent fields stay absent.
func Project(fields map[string]any, sensitive map[string]string) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if template, ok := sensitive[k]; ok {
			if v != nil {
				out[k] = Mask(k, template)
			} else {
				out[k] = nil
			}
			continue
		}
		out[k] = v
	}
	return out
}
