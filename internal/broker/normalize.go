package broker

import "encoding/json"

// normalizeArgs coerces whatever the model emitted into an argument object.
// JSON strings are parsed; parse failures and non-object values degrade to an
// empty object. Protocol-independent.
func normalizeArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return obj
}

// chunkToString renders one downstream chunk value as text: strings pass
// through, string lists concatenate, everything structured is JSON-encoded,
// nil becomes empty.
func chunkToString(chunk any) string {
	switch v := chunk.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		allStrings := true
		for _, item := range v {
			if _, ok := item.(string); !ok {
				allStrings = false
				break
			}
		}
		if allStrings {
			var out string
			for _, item := range v {
				out += item.(string)
			}
			return out
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	case []string:
		var out string
		for _, item := range v {
			out += item
		}
		return out
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
