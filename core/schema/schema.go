// Package schema compiles operation declarations into validators and the
// routing metadata the dispatchers need.
//
// JSON Schema evaluation itself is delegated to a Compiler. The default
// compiler is backed by santhosh-tekuri/jsonschema (draft 2020-12).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/artpar/apifactory/core/failure"
)

// Validator checks one decoded JSON value.
type Validator interface {
	Validate(v any) error
}

// Compiler turns a JSON Schema document into a Validator.
type Compiler interface {
	Compile(schema map[string]any) (Validator, error)
}

// acceptAll validates everything; it stands in for absent schemas.
type acceptAll struct{}

func (acceptAll) Validate(any) error { return nil }

// AcceptAll returns a validator that accepts any value.
func AcceptAll() Validator { return acceptAll{} }

// JSONSchemaCompiler compiles schemas with santhosh-tekuri/jsonschema.
type JSONSchemaCompiler struct {
	seq atomic.Uint64
}

var _ Compiler = (*JSONSchemaCompiler)(nil)

// NewCompiler creates a draft 2020-12 compiler.
func NewCompiler() *JSONSchemaCompiler {
	return &JSONSchemaCompiler{}
}

// Compile compiles a schema. A nil schema accepts everything.
func (c *JSONSchemaCompiler) Compile(schema map[string]any) (Validator, error) {
	if schema == nil {
		return AcceptAll(), nil
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, failure.Configuration("encode schema: %v", err)
	}

	url := fmt.Sprintf("mem://schema/%d.json", c.seq.Add(1))
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, failure.Configuration("add schema: %v", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, failure.Configuration("compile schema: %v", err)
	}
	return &jsonValidator{schema: compiled}, nil
}

type jsonValidator struct {
	schema *jsonschema.Schema
}

// Validate normalizes v through JSON so Go values (structs, int64, typed
// maps) are checked the way their wire form would be.
func (v *jsonValidator) Validate(value any) error {
	normalized, err := Normalize(value)
	if err != nil {
		return failure.Validation("%v", err)
	}
	if err := v.schema.Validate(normalized); err != nil {
		return failure.Validation("%v", err)
	}
	return nil
}

// Normalize round-trips a value through encoding/json, keeping numbers exact.
func Normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return Decode(data)
}

// Decode parses JSON, keeping numbers as json.Number.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return out, nil
}

// ErrorBody returns the schema every non-success response body satisfies.
func ErrorBody() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"code", "message"},
		"properties": map[string]any{
			"code": map[string]any{
				"type": "string",
				"enum": []any{"invalid", "noAccess", "notExists", "alreadyExists", "deleted", "error"},
			},
			"message": map[string]any{
				"type":      "string",
				"minLength": 1,
			},
		},
	}
}

// objectSchema is the {type: object, required, properties} skeleton used for
// parameter groups.
func objectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   []any{},
		"properties": map[string]any{},
	}
}
