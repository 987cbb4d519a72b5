package spec

import (
	"fmt"
	"os"
	"sort"
)

// AllowedMethods are the HTTP methods an OpenAPI path item may bind, in
// routing order.
var AllowedMethods = []string{"get", "post", "put", "patch", "delete"}

// OpenAPI is the subset of an OpenAPI 3 document the HTTP receiver compiles.
type OpenAPI struct {
	OpenAPI string              `json:"openapi"`
	Servers []URLServer         `json:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths"`

	pathOrder []string
	source    []byte
}

// PathItem holds the operations bound to one path template.
type PathItem struct {
	Servers    []URLServer    `json:"servers,omitempty"`
	Parameters []Parameter    `json:"parameters,omitempty"`
	Get        *HTTPOperation `json:"get,omitempty"`
	Post       *HTTPOperation `json:"post,omitempty"`
	Put        *HTTPOperation `json:"put,omitempty"`
	Patch      *HTTPOperation `json:"patch,omitempty"`
	Delete     *HTTPOperation `json:"delete,omitempty"`
}

// HTTPOperation is one method on a path.
type HTTPOperation struct {
	OperationID string              `json:"operationId"`
	Summary     string              `json:"summary,omitempty"`
	Servers     []URLServer         `json:"servers,omitempty"`
	Parameters  []Parameter         `json:"parameters,omitempty"`
	RequestBody *RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]Response `json:"responses,omitempty"`
}

// Parameter is a path, query, header or cookie parameter.
type Parameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"`
	Required bool           `json:"required,omitempty"`
	Schema   map[string]any `json:"schema,omitempty"`
}

// RequestBody describes the request payload. Name overrides the field the
// body is merged under.
type RequestBody struct {
	Name     string               `json:"x-name,omitempty"`
	Required bool                 `json:"required,omitempty"`
	Content  map[string]MediaType `json:"content,omitempty"`
}

// Response describes one status code's payload.
type Response struct {
	Description string               `json:"description,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType carries a schema for one content type.
type MediaType struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// JSONSchema returns the application/json schema, or nil.
func JSONSchema(content map[string]MediaType) map[string]any {
	if mt, ok := content["application/json"]; ok {
		return mt.Schema
	}
	return nil
}

// MethodOperation pairs a lowercase method with its operation.
type MethodOperation struct {
	Method    string
	Operation *HTTPOperation
}

// Operations lists the bound methods of a path item in AllowedMethods order.
func (p PathItem) Operations() []MethodOperation {
	var out []MethodOperation
	for _, m := range AllowedMethods {
		var op *HTTPOperation
		switch m {
		case "get":
			op = p.Get
		case "post":
			op = p.Post
		case "put":
			op = p.Put
		case "patch":
			op = p.Patch
		case "delete":
			op = p.Delete
		}
		if op != nil {
			out = append(out, MethodOperation{Method: m, Operation: op})
		}
	}
	return out
}

// PathOrder returns path templates in document order.
func (d *OpenAPI) PathOrder() []string {
	if len(d.pathOrder) > 0 {
		return ordered(d.Paths, d.pathOrder)
	}
	keys := make([]string, 0, len(d.Paths))
	for k := range d.Paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Source returns the document as JSON with its references unresolved.
func (d *OpenAPI) Source() []byte {
	return d.source
}

// LoadOpenAPI reads and decodes an OpenAPI document.
func LoadOpenAPI(path string) (*OpenAPI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return ParseOpenAPI(data)
}

// ParseOpenAPI decodes an OpenAPI document from YAML or JSON bytes.
func ParseOpenAPI(data []byte) (*OpenAPI, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}
	var doc OpenAPI
	if err := decode(root, &doc); err != nil {
		return nil, err
	}
	doc.pathOrder = keyOrder(data, "paths")
	if doc.source, err = sourceJSON(data); err != nil {
		return nil, err
	}
	return &doc, nil
}
