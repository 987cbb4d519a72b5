package schema_test

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/spec"
)

func mustCompile(t *testing.T, s map[string]any) schema.Validator {
	t.Helper()
	v, err := schema.NewCompiler().Compile(s)
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	return v
}

func TestCompiler_Validate(t *testing.T) {
	v := mustCompile(t, map[string]any{
		"type":     "object",
		"required": []any{"title"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string", "minLength": 1},
			"count": map[string]any{"type": "integer"},
		},
	})

	if err := v.Validate(map[string]any{"title": "a", "count": 3}); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}
	if err := v.Validate(map[string]any{"count": 3}); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("missing title error = %v, want ErrValidation", err)
	}
	if err := v.Validate(map[string]any{"title": "a", "count": 1.5}); err == nil {
		t.Error("non-integer count accepted")
	}
}

func TestCompiler_NilSchemaAcceptsAll(t *testing.T) {
	v := mustCompile(t, nil)
	if err := v.Validate("anything"); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestCompiler_InvalidSchema(t *testing.T) {
	_, err := schema.NewCompiler().Compile(map[string]any{"type": 12})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("Compile error = %v, want ErrConfiguration", err)
	}
}

func TestErrorBody(t *testing.T) {
	v := mustCompile(t, schema.ErrorBody())

	if err := v.Validate(map[string]any{"code": "notExists", "message": "tasks(5) not exists"}); err != nil {
		t.Errorf("valid error body rejected: %v", err)
	}
	if err := v.Validate(map[string]any{"code": "teapot", "message": "x"}); err == nil {
		t.Error("unknown code accepted")
	}
	if err := v.Validate(map[string]any{"code": "error", "message": ""}); err == nil {
		t.Error("empty message accepted")
	}
}

func TestCoerce(t *testing.T) {
	group := map[string]any{
		"properties": map[string]any{
			"id":     map[string]any{"type": "integer"},
			"ratio":  map[string]any{"type": "number"},
			"active": map[string]any{"type": "boolean"},
			"tags":   map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"name":   map[string]any{"type": "string"},
			"limit":  map[string]any{"type": "integer", "default": 20},
		},
	}
	values := url.Values{
		"id":     {"42"},
		"ratio":  {"0.5"},
		"active": {"true"},
		"tags":   {"1,2"},
		"name":   {"007"},
		"extra":  {"x"},
	}

	got := schema.Coerce(values, group)

	if got["id"] != json.Number("42") {
		t.Errorf("id = %#v, want json.Number 42", got["id"])
	}
	if got["ratio"] != json.Number("0.5") {
		t.Errorf("ratio = %#v", got["ratio"])
	}
	if got["active"] != true {
		t.Errorf("active = %#v, want true", got["active"])
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 2 || tags[1] != json.Number("2") {
		t.Errorf("tags = %#v", got["tags"])
	}
	if got["name"] != "007" {
		t.Errorf("name = %#v, want string 007", got["name"])
	}
	if got["extra"] != "x" {
		t.Errorf("extra = %#v, want x", got["extra"])
	}
	if got["limit"] != 20 {
		t.Errorf("limit = %#v, want default 20", got["limit"])
	}
}

func TestCoerce_UnparsableLeftAsString(t *testing.T) {
	group := map[string]any{"properties": map[string]any{"id": map[string]any{"type": "integer"}}}
	got := schema.Coerce(url.Values{"id": {"abc"}}, group)
	if got["id"] != "abc" {
		t.Errorf("id = %#v, want abc", got["id"])
	}
}

func TestRoute(t *testing.T) {
	chi := func(name string) string { return "{" + name + "}" }
	colon := func(name string) string { return ":" + name }

	tests := []struct {
		base, template string
		placeholder    func(string) string
		want           string
	}{
		{"", "/tasks/{taskId}", chi, "/tasks/{taskId}"},
		{"/api/", "/tasks/{taskId}/", chi, "/api/tasks/{taskId}"},
		{"/api", "tasks/{a}/{b}", colon, "/api/tasks/:a/:b"},
		{"", "/", chi, "/"},
	}
	for _, tt := range tests {
		if got := schema.Route(tt.base, tt.template, tt.placeholder); got != tt.want {
			t.Errorf("Route(%q, %q) = %s, want %s", tt.base, tt.template, got, tt.want)
		}
	}
}

func TestCompileHTTP(t *testing.T) {
	item := spec.PathItem{
		Parameters: []spec.Parameter{
			{Name: "taskId", In: "path", Schema: map[string]any{"type": "integer"}},
		},
	}
	op := &spec.HTTPOperation{
		OperationID: "updateTask",
		Parameters: []spec.Parameter{
			{Name: "notify", In: "query", Schema: map[string]any{"type": "boolean"}},
			{Name: "version", In: "query", Required: true, Schema: map[string]any{"type": "integer"}},
		},
		RequestBody: &spec.RequestBody{
			Name: "task",
			Content: map[string]spec.MediaType{
				"application/json": {Schema: map[string]any{"type": "object", "required": []any{"title"}}},
			},
		},
		Responses: map[string]spec.Response{
			"200": {Content: map[string]spec.MediaType{"application/json": {Schema: map[string]any{"type": "object"}}}},
		},
	}

	compiled, err := schema.CompileHTTP(schema.NewCompiler(), "patch", "/tasks/{taskId}", item, op)
	if err != nil {
		t.Fatalf("CompileHTTP error: %v", err)
	}

	if compiled.Method != "PATCH" {
		t.Errorf("Method = %s, want PATCH", compiled.Method)
	}
	if compiled.BodyField != "task" {
		t.Errorf("BodyField = %s, want task", compiled.BodyField)
	}
	if req := compiled.ParamsSchema["required"].([]any); len(req) != 1 || req[0] != "taskId" {
		t.Errorf("params required = %v, want [taskId]", req)
	}
	if req := compiled.QuerySchema["required"].([]any); len(req) != 1 || req[0] != "version" {
		t.Errorf("query required = %v, want [version]", req)
	}
	for _, status := range []int{400, 403, 404, 409, 410, 422, 200} {
		if compiled.Response(status) == nil {
			t.Errorf("Response(%d) = nil, want validator", status)
		}
	}
	if compiled.Response(201) != nil {
		t.Error("Response(201) should be undeclared")
	}

	if err := compiled.Query.Validate(map[string]any{"notify": true}); err == nil {
		t.Error("query without required version accepted")
	}
	if err := compiled.Body.Validate(map[string]any{}); err == nil {
		t.Error("body without title accepted")
	}
}

func TestCompileHTTP_DefaultBodyField(t *testing.T) {
	compiled, err := schema.CompileHTTP(schema.NewCompiler(), "get", "/", spec.PathItem{}, &spec.HTTPOperation{OperationID: "list"})
	if err != nil {
		t.Fatalf("CompileHTTP error: %v", err)
	}
	if compiled.BodyField != schema.DefaultBodyField {
		t.Errorf("BodyField = %s, want %s", compiled.BodyField, schema.DefaultBodyField)
	}
	if err := compiled.Params.Validate(map[string]any{"anything": 1}); err != nil {
		t.Errorf("absent params schema should accept all: %v", err)
	}
}

func rpcMethod(structure string) spec.Method {
	return spec.Method{
		Name:           "move",
		ParamStructure: structure,
		Params: []spec.ContentDescriptor{
			{Name: "x", Required: true, Schema: map[string]any{"type": "string"}},
			{Name: "y", Required: true, Schema: map[string]any{"type": "string"}},
			{Name: "z", Schema: map[string]any{"type": "integer"}},
		},
	}
}

func TestCompileRPC_Structures(t *testing.T) {
	tests := []struct {
		structure string
		params    any
		valid     bool
	}{
		{spec.ByName, map[string]any{"x": "a", "y": "b"}, true},
		{spec.ByName, []any{"a", "b"}, false},
		{spec.ByPosition, []any{"a", "b"}, true},
		{spec.ByPosition, []any{"a", "b", 1}, true},
		{spec.ByPosition, []any{"a"}, false},
		{spec.ByPosition, []any{"a", "b", 1, "extra"}, false},
		{spec.ByPosition, map[string]any{"x": "a", "y": "b"}, false},
		{spec.Either, map[string]any{"x": "a", "y": "b"}, true},
		{spec.Either, []any{"a", "b"}, true},
		{spec.Either, map[string]any{"x": "a"}, false},
	}

	for _, tt := range tests {
		m, err := schema.CompileRPC(schema.NewCompiler(), rpcMethod(tt.structure))
		if err != nil {
			t.Fatalf("CompileRPC error: %v", err)
		}
		err = m.Params.Validate(tt.params)
		if (err == nil) != tt.valid {
			t.Errorf("%s Validate(%v) error = %v, want valid=%v", tt.structure, tt.params, err, tt.valid)
		}
	}
}

func TestCompileRPC_Named(t *testing.T) {
	m, err := schema.CompileRPC(schema.NewCompiler(), rpcMethod(""))
	if err != nil {
		t.Fatalf("CompileRPC error: %v", err)
	}
	if m.ParamStructure != spec.Either {
		t.Errorf("ParamStructure = %s, want either", m.ParamStructure)
	}
	if m.ByPositionSchema["minItems"] != 2 {
		t.Errorf("minItems = %v, want 2", m.ByPositionSchema["minItems"])
	}

	named := m.Named([]any{"a", "b"})
	if len(named) != 2 || named["x"] != "a" || named["y"] != "b" {
		t.Errorf("Named = %v, want {x:a y:b}", named)
	}
}

func TestMessageSet_ExactlyOne(t *testing.T) {
	c := schema.NewCompiler()
	set, err := schema.CompileMessages(c, "onTask", []spec.NamedMessage{
		{ID: "created", Message: spec.Message{Payload: map[string]any{
			"type": "object", "required": []any{"id"},
		}}},
		{ID: "deleted", Message: spec.Message{Payload: map[string]any{
			"type": "object", "required": []any{"deletedAt"},
		}}},
	})
	if err != nil {
		t.Fatalf("CompileMessages error: %v", err)
	}

	m, err := set.Match(map[string]any{"id": 1})
	if err != nil || m.ID != "created" {
		t.Errorf("Match = %s, %v, want created", m.ID, err)
	}
	if _, err := set.Match(map[string]any{"id": 1, "deletedAt": "now"}); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("two matches error = %v, want ErrValidation", err)
	}
	if _, err := set.Match(map[string]any{"other": true}); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("no match error = %v, want ErrValidation", err)
	}
}
