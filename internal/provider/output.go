package provider

import "strings"

// outputKeys are probed in order when a provider returns its output as an
// object.
var outputKeys = []string{"image", "url", "output", "result", "generated_image"}

// maxOutputDepth bounds recursion into nested output documents.
const maxOutputDepth = 4

// ResolveOutputURL extracts the image URL from a provider output reference.
//
// Accepted shapes:
//   - a non-empty string
//   - an array, whose first element is authoritative
//   - an object, probed for image, url, output, result, generated_image
//
// Values found inside arrays and objects are resolved with the same rules,
// so {"image": {"url": "..."}} resolves too. Returns false when no usable
// URL is present.
func ResolveOutputURL(output any) (string, bool) {
	return resolveOutput(output, 0)
}

func resolveOutput(v any, depth int) (string, bool) {
	if depth > maxOutputDepth {
		return "", false
	}

	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		return s, s != ""
	case []any:
		if len(val) == 0 {
			return "", false
		}
		return resolveOutput(val[0], depth+1)
	case []string:
		if len(val) == 0 {
			return "", false
		}
		return resolveOutput(val[0], depth+1)
	case map[string]any:
		for _, key := range outputKeys {
			inner, ok := val[key]
			if !ok {
				continue
			}
			if u, ok := resolveOutput(inner, depth+1); ok {
				return u, true
			}
		}
		return "", false
	default:
		return "", false
	}
}
