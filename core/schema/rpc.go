package schema

import (
	"github.com/artpar/apifactory/core/spec"
)

// RPCMethod is a compiled OpenRPC method.
type RPCMethod struct {
	Name           string
	ParamStructure string

	ByNameSchema     map[string]any
	ByPositionSchema map[string]any
	ParamsSchema     map[string]any
	ResultSchema     map[string]any

	// NameByPosition maps a positional index to its parameter name.
	NameByPosition []string

	Params Validator
	Result Validator
}

// CompileRPC builds the parameter and result validators of one method.
//
// By name, params are an object of the declared properties. By position,
// params are an array whose prefix items follow declaration order, whose
// minimum length is the number of required params and which admits no extra
// items. Methods that accept either use oneOf both.
func CompileRPC(c Compiler, m spec.Method) (*RPCMethod, error) {
	out := &RPCMethod{
		Name:           m.Name,
		ParamStructure: m.ParamStructure,
		ByNameSchema:   objectSchema(),
		ByPositionSchema: map[string]any{
			"type":        "array",
			"prefixItems": []any{},
			"minItems":    0,
			"items":       false,
		},
	}
	if out.ParamStructure == "" {
		out.ParamStructure = spec.Either
	}

	required := make(map[string]bool)
	for _, p := range m.Params {
		prop := p.Schema
		if prop == nil {
			prop = map[string]any{}
		}
		out.ByNameSchema["properties"].(map[string]any)[p.Name] = prop
		out.ByPositionSchema["prefixItems"] = append(out.ByPositionSchema["prefixItems"].([]any), prop)
		out.NameByPosition = append(out.NameByPosition, p.Name)

		if p.Required && !required[p.Name] {
			required[p.Name] = true
			out.ByNameSchema["required"] = append(out.ByNameSchema["required"].([]any), p.Name)
			out.ByPositionSchema["minItems"] = out.ByPositionSchema["minItems"].(int) + 1
		}
	}

	switch out.ParamStructure {
	case spec.ByName:
		out.ParamsSchema = out.ByNameSchema
	case spec.ByPosition:
		out.ParamsSchema = out.ByPositionSchema
	default:
		out.ParamsSchema = map[string]any{"oneOf": []any{out.ByNameSchema, out.ByPositionSchema}}
	}

	if m.Result != nil {
		out.ResultSchema = m.Result.Schema
	}

	var err error
	if out.Params, err = c.Compile(out.ParamsSchema); err != nil {
		return nil, wrapOp(m.Name, "params", err)
	}
	if out.Result, err = c.Compile(out.ResultSchema); err != nil {
		return nil, wrapOp(m.Name, "result", err)
	}
	return out, nil
}

// Named converts positional params to named ones. Positions beyond the
// declared params are dropped; the params validator has already rejected them.
func (m *RPCMethod) Named(positional []any) map[string]any {
	out := make(map[string]any, len(positional))
	for i, v := range positional {
		if i < len(m.NameByPosition) {
			out[m.NameByPosition[i]] = v
		}
	}
	return out
}
