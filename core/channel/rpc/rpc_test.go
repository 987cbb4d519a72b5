package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/channel/rpc"
	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/module"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/service"
	"github.com/artpar/apifactory/core/spec"
	"github.com/artpar/apifactory/domain/result"
)

const tasksDoc = `
openrpc: 1.2.6
servers:
  - url: http://localhost:8080/rpc
methods:
  - name: getTask
    params:
      - name: id
        required: true
        schema:
          type: integer
    result:
      name: task
      schema:
        type: object
  - name: moveTask
    paramStructure: by-position
    params:
      - name: x
        required: true
        schema:
          type: string
      - name: y
        schema:
          type: string
  - name: archive
    params: []
  - name: orphan
    params: []
`

type harness struct {
	handler  http.Handler
	archived chan map[string]any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	doc, err := spec.ParseOpenRPC([]byte(tasksDoc))
	if err != nil {
		t.Fatalf("ParseOpenRPC() error = %v", err)
	}

	h := &harness{archived: make(chan map[string]any, 4)}
	services := service.NewRegistry()
	register := func(id string, fn service.Handler) {
		if err := services.Register(id, fn); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	register("getTask", func(ctx context.Context, params map[string]any, _ module.Handles, _ *service.Meta) (result.Result, error) {
		switch fmt.Sprint(params["id"]) {
		case "5":
			return result.NotExists("tasks", params["id"]), nil
		case "13":
			return result.Result{}, errors.New("boom")
		}
		return result.Success(map[string]any{"id": params["id"]}), nil
	})
	register("moveTask", func(ctx context.Context, params map[string]any, _ module.Handles, _ *service.Meta) (result.Result, error) {
		return result.Success(params), nil
	})
	register("archive", func(ctx context.Context, params map[string]any, _ module.Handles, _ *service.Meta) (result.Result, error) {
		h.archived <- params
		return result.Success(nil), nil
	})

	recv, err := rpc.Compile(doc, services, schema.NewCompiler(), rpc.Settings{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	h.handler = recv.Handler(":8080")
	if h.handler == nil {
		t.Fatal("Handler(:8080) = nil")
	}
	return h
}

func (h *harness) call(t *testing.T, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, resp map[string]any) float64 {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("response %v has no error object", resp)
	}
	return e["code"].(float64)
}

func TestReceiver_Success(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"getTask","params":{"id":7}}`)

	if resp["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", resp["jsonrpc"])
	}
	if resp["id"] != float64(1) {
		t.Errorf("id = %v, want 1", resp["id"])
	}
	task, ok := resp["result"].(map[string]any)
	if !ok || task["id"] != float64(7) {
		t.Errorf("result = %v, want {id:7}", resp["result"])
	}
	if _, ok := resp["error"]; ok {
		t.Errorf("response carries error: %v", resp)
	}
}

func TestReceiver_NotExists(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"2.0","id":"req-1","method":"getTask","params":{"id":5}}`)

	if resp["id"] != "req-1" {
		t.Errorf("id = %v, want req-1", resp["id"])
	}
	e := resp["error"].(map[string]any)
	if e["code"] != float64(-32002) {
		t.Errorf("code = %v, want -32002", e["code"])
	}
	if e["message"] != "tasks(5) not exists" {
		t.Errorf("message = %v, want %q", e["message"], "tasks(5) not exists")
	}
}

func TestReceiver_PositionalParamsBecomeNamed(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"2.0","id":2,"method":"moveTask","params":["a","b"]}`)

	got, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("result = %v, want object", resp["result"])
	}
	if got["x"] != "a" || got["y"] != "b" || len(got) != 2 {
		t.Errorf("result = %v, want {x:a y:b}", got)
	}
}

func TestReceiver_NullResult(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"2.0","id":3,"method":"archive"}`)

	v, ok := resp["result"]
	if !ok || v != nil {
		t.Errorf("result = %v (present %v), want null", v, ok)
	}
	select {
	case params := <-h.archived:
		if len(params) != 0 {
			t.Errorf("params = %v, want empty", params)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestReceiver_Notification(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"absent id", `{"jsonrpc":"2.0","method":"archive","params":{}}`},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"archive"}`},
		{"zero id", `{"jsonrpc":"2.0","id":0,"method":"archive"}`},
		{"empty id", `{"jsonrpc":"2.0","id":"","method":"archive"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			resp := h.call(t, tt.body)

			if len(resp) != 2 || resp["jsonrpc"] != "2.0" || resp["method"] != "archive" {
				t.Errorf("ack = %v, want {jsonrpc:2.0 method:archive}", resp)
			}
			select {
			case <-h.archived:
			case <-time.After(time.Second):
				t.Fatal("handler not called after ack")
			}
		})
	}
}

func TestReceiver_ErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   float64
		wantID any
	}{
		{"parse error", `{"jsonrpc":`, -32700, nil},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"getTask","params":{"id":1}}]`, -32600, nil},
		{"scalar", `42`, -32600, nil},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"getTask","params":{"id":1}}`, -32600, float64(1)},
		{"method not a string", `{"jsonrpc":"2.0","id":1,"method":7}`, -32600, float64(1)},
		{"fractional id", `{"jsonrpc":"2.0","id":1.5,"method":"getTask","params":{"id":1}}`, -32600, nil},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"getTask","params":{"id":1}}`, -32600, nil},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"getTask","params":"x"}`, -32600, float64(1)},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, -32601, float64(1)},
		{"declared without handler", `{"jsonrpc":"2.0","id":1,"method":"orphan"}`, -32601, float64(1)},
		{"param type", `{"jsonrpc":"2.0","id":1,"method":"getTask","params":{"id":"x"}}`, -32602, float64(1)},
		{"missing param", `{"jsonrpc":"2.0","id":1,"method":"getTask","params":{}}`, -32602, float64(1)},
		{"by-name on by-position", `{"jsonrpc":"2.0","id":1,"method":"moveTask","params":{"x":"a"}}`, -32602, float64(1)},
		{"too many positions", `{"jsonrpc":"2.0","id":1,"method":"moveTask","params":["a","b","c"]}`, -32602, float64(1)},
		{"handler error", `{"jsonrpc":"2.0","id":1,"method":"getTask","params":{"id":13}}`, -32603, float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			resp := h.call(t, tt.body)

			if got := errorCode(t, resp); got != tt.code {
				t.Errorf("code = %v, want %v", got, tt.code)
			}
			if resp["id"] != tt.wantID {
				t.Errorf("id = %v, want %v", resp["id"], tt.wantID)
			}
			if _, ok := resp["result"]; ok {
				t.Errorf("error response carries result: %v", resp)
			}
		})
	}
}

func TestCompile_DuplicateMethod(t *testing.T) {
	doc, err := spec.ParseOpenRPC([]byte(`
openrpc: 1.2.6
methods:
  - name: ping
    params: []
  - name: ping
    params: []
`))
	if err != nil {
		t.Fatalf("ParseOpenRPC() error = %v", err)
	}
	_, err = rpc.Compile(doc, service.NewRegistry(), schema.NewCompiler(), rpc.Settings{Logger: zerolog.Nop()})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("Compile() error = %v, want ErrConfiguration", err)
	}
}

func TestCompile_Endpoints(t *testing.T) {
	doc, err := spec.ParseOpenRPC([]byte(`
openrpc: 1.2.6
servers:
  - url: http://localhost:9000/rpc
methods:
  - name: ping
    params: []
  - name: adminPing
    params: []
    servers:
      - url: http://localhost:9001/
`))
	if err != nil {
		t.Fatalf("ParseOpenRPC() error = %v", err)
	}
	recv, err := rpc.Compile(doc, service.NewRegistry(), schema.NewCompiler(), rpc.Settings{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	got := recv.Endpoints()
	want := []string{":9000/rpc", ":9001/"}
	if len(got) != len(want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Endpoints()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
