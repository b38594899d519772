package observability

import "strings"

// redactedPlaceholder replaces sensitive values in diagnostic output.
const redactedPlaceholder = "[REDACTED]"

// sensitiveKeyParts marks map keys whose values must never appear in logs or
// debug dumps. Matching is case-insensitive substring, so "apiKey",
// "Authorization", and "refresh_token" are all caught.
var sensitiveKeyParts = []string{
	"password",
	"token",
	"secret",
	"key",
	"authorization",
	"cookie",
	"session",
	"credential",
}

// Sanitize returns a copy of m with sensitive values replaced by a
// placeholder. Nested maps and slices of maps are sanitized recursively.
// The input map is not modified.
func Sanitize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Sanitize(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
