package normalize

import (
	"encoding/json"

	"counselsim/internal/extract"
)

// lenientUnmarshal decodes s into v, retrying once after control-character
// sanitization. The raw attempt comes first: sanitizing an already-valid
// document would escape the formatting whitespace between tokens.
func lenientUnmarshal(s string, v any) bool {
	if json.Unmarshal([]byte(s), v) == nil {
		return true
	}
	return json.Unmarshal([]byte(extract.Sanitize(s)), v) == nil
}
