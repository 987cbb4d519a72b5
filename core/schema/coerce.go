package schema

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// Coerce converts raw string values (path segments, query strings) to the
// types their property schemas declare, and fills declared defaults for
// absent properties. Values that do not parse are left as strings so the
// validator can reject them.
func Coerce(values url.Values, group map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	props, _ := group["properties"].(map[string]any)

	for name, raw := range values {
		if len(raw) == 0 {
			continue
		}
		prop, _ := props[name].(map[string]any)
		if schemaType(prop) == "array" {
			items, _ := prop["items"].(map[string]any)
			list := make([]any, 0, len(raw))
			for _, r := range splitList(raw) {
				list = append(list, coerceScalar(r, schemaType(items)))
			}
			out[name] = list
			continue
		}
		out[name] = coerceScalar(raw[0], schemaType(prop))
	}

	for name, p := range props {
		if _, ok := out[name]; ok {
			continue
		}
		if prop, ok := p.(map[string]any); ok {
			if def, ok := prop["default"]; ok {
				out[name] = def
			}
		}
	}
	return out
}

func splitList(raw []string) []string {
	if len(raw) != 1 {
		return raw
	}
	return strings.Split(raw[0], ",")
}

func schemaType(prop map[string]any) string {
	switch t := prop["type"].(type) {
	case string:
		return t
	case []any:
		// ["integer", "null"] and similar: use the first non-null type.
		for _, item := range t {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

func coerceScalar(raw, typ string) any {
	switch typ {
	case "integer":
		if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return json.Number(raw)
		}
	case "number":
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			return json.Number(raw)
		}
	case "boolean":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case "null":
		if raw == "" || raw == "null" {
			return nil
		}
	}
	return raw
}
