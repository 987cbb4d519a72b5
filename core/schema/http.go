package schema

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/spec"
)

// DefaultBodyField is the parameter name the request body is merged under
// when the description does not name one.
const DefaultBodyField = "body"

// ErrorStatuses are the statuses whose response schema is always the error body.
var ErrorStatuses = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
	http.StatusUnprocessableEntity,
}

// HTTPOperation is a compiled OpenAPI operation.
type HTTPOperation struct {
	OperationID string
	Method      string // upper case
	Template    string // path as declared, e.g. /tasks/{taskId}
	BodyField   string

	// Schemas by region, kept for inspection and docs.
	ParamsSchema    map[string]any
	QuerySchema     map[string]any
	BodySchema      map[string]any
	ResponseSchemas map[string]map[string]any

	Params    Validator
	Query     Validator
	Body      Validator
	Responses map[string]Validator
}

var pathParam = regexp.MustCompile(`\{([^}]+)\}`)

// Route rewrites the declared path template into router syntax using
// placeholder, joined under base. Duplicate slashes are collapsed.
func Route(base, template string, placeholder func(name string) string) string {
	route := pathParam.ReplaceAllStringFunc(template, func(m string) string {
		return placeholder(m[1 : len(m)-1])
	})
	return collapseSlashes("/" + base + "/" + route)
}

var slashes = regexp.MustCompile(`/{2,}`)

func collapseSlashes(p string) string {
	p = slashes.ReplaceAllString(p, "/")
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// CompileHTTP builds the validators of one operation. Path-item parameters
// apply first; operation parameters with the same name and location
// override them. Path parameters are always required; query parameters only
// when declared so.
func CompileHTTP(c Compiler, method, template string, item spec.PathItem, op *spec.HTTPOperation) (*HTTPOperation, error) {
	out := &HTTPOperation{
		OperationID:     op.OperationID,
		Method:          strings.ToUpper(method),
		Template:        template,
		BodyField:       DefaultBodyField,
		ResponseSchemas: make(map[string]map[string]any),
		Responses:       make(map[string]Validator),
	}

	for _, p := range mergeParameters(item.Parameters, op.Parameters) {
		switch p.In {
		case "path":
			if out.ParamsSchema == nil {
				out.ParamsSchema = objectSchema()
			}
			addProperty(out.ParamsSchema, p.Name, p.Schema, true)
		case "query":
			if out.QuerySchema == nil {
				out.QuerySchema = objectSchema()
			}
			addProperty(out.QuerySchema, p.Name, p.Schema, p.Required)
		}
	}

	if rb := op.RequestBody; rb != nil {
		if rb.Name != "" {
			out.BodyField = rb.Name
		}
		out.BodySchema = spec.JSONSchema(rb.Content)
	}

	for _, status := range ErrorStatuses {
		out.ResponseSchemas[strconv.Itoa(status)] = ErrorBody()
	}
	for status, resp := range op.Responses {
		if s := spec.JSONSchema(resp.Content); s != nil {
			out.ResponseSchemas[status] = s
		}
	}

	var err error
	if out.Params, err = c.Compile(out.ParamsSchema); err != nil {
		return nil, wrapOp(op.OperationID, "path parameters", err)
	}
	if out.Query, err = c.Compile(out.QuerySchema); err != nil {
		return nil, wrapOp(op.OperationID, "query parameters", err)
	}
	if out.Body, err = c.Compile(out.BodySchema); err != nil {
		return nil, wrapOp(op.OperationID, "request body", err)
	}
	for status, s := range out.ResponseSchemas {
		if out.Responses[status], err = c.Compile(s); err != nil {
			return nil, wrapOp(op.OperationID, "response "+status, err)
		}
	}

	return out, nil
}

// Response returns the validator for a status, or nil when none is declared.
func (o *HTTPOperation) Response(status int) Validator {
	return o.Responses[strconv.Itoa(status)]
}

func mergeParameters(pathLevel, opLevel []spec.Parameter) []spec.Parameter {
	out := make([]spec.Parameter, 0, len(pathLevel)+len(opLevel))
	index := make(map[string]int)
	for _, list := range [][]spec.Parameter{pathLevel, opLevel} {
		for _, p := range list {
			key := p.In + ":" + p.Name
			if i, ok := index[key]; ok {
				out[i] = p
				continue
			}
			index[key] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func addProperty(group map[string]any, name string, prop map[string]any, required bool) {
	if prop == nil {
		prop = map[string]any{}
	}
	group["properties"].(map[string]any)[name] = prop
	if required {
		group["required"] = append(group["required"].([]any), name)
	}
}

func wrapOp(id, region string, err error) error {
	return failure.Configuration("operation %q %s: %v", id, region, err)
}
