// Package spec loads interface descriptions (OpenAPI, OpenRPC and AsyncAPI
// documents) and resolves their local references.
package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/apifactory/core/failure"
)

// RefKey is added to every node that was reached through a $ref. Its value is
// the JSON pointer the node was resolved from, so shared objects keep a
// stable identity after resolution.
const RefKey = "x-ref"

// Exists reports whether a description file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads a YAML or JSON document and resolves its local references.
func ReadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a document and resolves its local references.
func Parse(data []byte) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, failure.Configuration("parse yaml: %v", err)
	}

	root, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, failure.Configuration("document root must be a mapping")
	}

	resolved, err := newResolver(root).walk(root, nil)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// sourceJSON re-encodes a YAML or JSON document as JSON, leaving $ref
// pointers in place.
func sourceJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, failure.Configuration("parse yaml: %v", err)
	}
	out, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, failure.Configuration("encode document: %v", err)
	}
	return out, nil
}

// normalize converts YAML-only shapes (map[any]any, non-string keys) into
// the shapes encoding/json produces.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	default:
		return v
	}
}

type resolver struct {
	root  map[string]any
	cache map[string]any
}

func newResolver(root map[string]any) *resolver {
	return &resolver{root: root, cache: make(map[string]any)}
}

// walk returns a copy of v with every local $ref replaced by its target.
// active holds the pointers currently being expanded; meeting one again is a
// reference cycle.
func (r *resolver) walk(v any, active []string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["$ref"].(string); ok {
			return r.follow(ref, active)
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := r.walk(item, active)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := r.walk(item, active)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) follow(ref string, active []string) (any, error) {
	if !strings.HasPrefix(ref, "#") {
		return nil, failure.Configuration("external reference %q is not supported", ref)
	}
	if cached, ok := r.cache[ref]; ok {
		return cached, nil
	}
	for _, a := range active {
		if a == ref {
			return nil, failure.Configuration("reference cycle: %s -> %s", strings.Join(active, " -> "), ref)
		}
	}

	target, err := Pointer(r.root, ref)
	if err != nil {
		return nil, err
	}

	resolved, err := r.walk(target, append(active, ref))
	if err != nil {
		return nil, err
	}
	if m, ok := resolved.(map[string]any); ok {
		m[RefKey] = ref
	}
	r.cache[ref] = resolved
	return resolved, nil
}

// Pointer evaluates a local JSON pointer ("#/a/b") against a document.
func Pointer(root map[string]any, ref string) (any, error) {
	path := strings.TrimPrefix(strings.TrimPrefix(ref, "#"), "/")
	if path == "" {
		return root, nil
	}

	var cur any = root
	for _, token := range strings.Split(path, "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[token]
			if !ok {
				return nil, failure.Configuration("unresolved reference %q", ref)
			}
			cur = next
		case []any:
			var idx int
			if _, err := fmt.Sscanf(token, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil, failure.Configuration("unresolved reference %q", ref)
			}
			cur = node[idx]
		default:
			return nil, failure.Configuration("unresolved reference %q", ref)
		}
	}
	return cur, nil
}

// decode converts a resolved document into a typed structure.
func decode(doc map[string]any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return failure.Configuration("encode document: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.Configuration("decode document: %v", err)
	}
	return nil
}

// keyOrder returns the keys of a top-level mapping in document order.
func keyOrder(data []byte, field string) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != field {
			continue
		}
		section := doc.Content[i+1]
		if section.Kind != yaml.MappingNode {
			return nil
		}
		keys := make([]string, 0, len(section.Content)/2)
		for j := 0; j+1 < len(section.Content); j += 2 {
			keys = append(keys, section.Content[j].Value)
		}
		return keys
	}
	return nil
}

// ordered returns keys of m, first in the given order, then any others sorted.
func ordered[V any](m map[string]V, order []string) []string {
	out := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range order {
		if _, ok := m[k]; ok && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
