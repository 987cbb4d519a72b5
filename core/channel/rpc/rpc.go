// Package rpc serves OpenRPC methods as JSON-RPC 2.0 over HTTP POST.
//
// Every reply is sent with status 200; protocol and domain failures travel
// in the error member. Requests whose id is absent or falsy are
// acknowledged immediately and their handler runs detached.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	httpchannel "github.com/artpar/apifactory/core/channel/http"
	"github.com/artpar/apifactory/core/codec"
	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/server"
	"github.com/artpar/apifactory/core/service"
	"github.com/artpar/apifactory/core/spec"
	"github.com/artpar/apifactory/ports"
)

// Version is the only accepted jsonrpc member value.
const Version = "2.0"

// Protocol is the metrics label of this receiver.
const Protocol = "rpc"

// Request outcomes recorded in metrics, in addition to the HTTP ones.
const (
	OutcomeMalformed = "malformed"
	OutcomeNotified  = "notified"
)

// Settings configures compilation.
type Settings struct {
	Labels    map[string]string
	Variables map[string]string

	// ValidateResults checks handler payloads against the declared result
	// schema and logs mismatches.
	ValidateResults bool

	// BodyLimit caps request bodies in bytes.
	BodyLimit int64

	Logger  zerolog.Logger
	Metrics ports.MetricsRecorder
}

// Receiver serves the methods of an OpenRPC document.
type Receiver struct {
	listeners *httpchannel.Listeners
	endpoints []*endpoint
}

type endpoint struct {
	addr     string
	path     string
	methods  map[string]*schema.RPCMethod
	services *service.Registry
	settings *Settings
	logger   zerolog.Logger
}

type successResponse struct {
	ID      any    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result"`
}

type errorResponse struct {
	ID      any             `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Error   *codec.RPCError `json:"error"`
}

type ackResponse struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

// Compile builds one POST endpoint per resolved server URL. Nothing listens
// until Run.
func Compile(doc *spec.OpenRPC, services *service.Registry, compiler schema.Compiler, settings Settings) (*Receiver, error) {
	if settings.BodyLimit <= 0 {
		settings.BodyLimit = httpchannel.DefaultBodyLimit
	}
	if settings.Metrics == nil {
		settings.Metrics = ports.NopMetrics{}
	}

	recv := &Receiver{listeners: httpchannel.NewListeners(settings.Logger)}
	byKey := make(map[string]*endpoint)

	for _, m := range doc.Methods {
		if m.Name == "" {
			return nil, failure.Configuration("method without a name")
		}
		compiled, err := schema.CompileRPC(compiler, m)
		if err != nil {
			return nil, err
		}

		declared := m.Servers
		if len(declared) == 0 {
			declared = doc.Servers
		}
		binding, err := server.Select(spec.Bindings(declared), settings.Labels, settings.Variables)
		if err != nil {
			return nil, failure.Configuration("method %q: %v", m.Name, err)
		}
		addr, base, err := server.Endpoint(binding.ResolvedURL, httpchannel.DefaultPort)
		if err != nil {
			return nil, err
		}
		path := schema.Route(base, "", nil)

		ep, ok := byKey[addr+path]
		if !ok {
			ep = &endpoint{
				addr:     addr,
				path:     path,
				methods:  make(map[string]*schema.RPCMethod),
				services: services,
				settings: &settings,
				logger:   settings.Logger.With().Str("endpoint", addr+path).Logger(),
			}
			byKey[addr+path] = ep
			recv.endpoints = append(recv.endpoints, ep)
			recv.listeners.Router(addr).Post(path, ep.ServeHTTP)
		}
		if _, dup := ep.methods[m.Name]; dup {
			return nil, failure.Configuration("method %q declared twice on %s%s", m.Name, addr, path)
		}
		ep.methods[m.Name] = compiled

		if !services.Has(m.Name) {
			ep.logger.Warn().Str("method", m.Name).Msg("method has no handler")
		}
	}

	return recv, nil
}

// Endpoints lists the listen address and path of every endpoint.
func (r *Receiver) Endpoints() []string {
	out := make([]string, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.addr+ep.path)
	}
	return out
}

// Handler returns the router serving addr, or nil.
func (r *Receiver) Handler(addr string) http.Handler {
	return r.listeners.Handler(addr)
}

// Bound returns the actual listen address of each configured address.
func (r *Receiver) Bound() map[string]string {
	return r.listeners.Bound()
}

// Run starts listening on every address.
func (r *Receiver) Run(ctx context.Context) error {
	return r.listeners.Start(ctx)
}

// Dispose shuts the servers down.
func (r *Receiver) Dispose(ctx context.Context) error {
	return r.listeners.Stop(ctx)
}

// request is a validated envelope.
type request struct {
	id       any
	notify   bool
	method   string
	named    map[string]any
	compiled *schema.RPCMethod
}

func (ep *endpoint) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	method, outcome := ep.serve(w, req)
	ep.settings.Metrics.ObserveRequest(Protocol, method, outcome, time.Since(start))
}

func (ep *endpoint) serve(w http.ResponseWriter, httpReq *http.Request) (string, string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, httpReq.Body, ep.settings.BodyLimit))
	if err != nil {
		reply(w, errorResponse{JSONRPC: Version, Error: codec.ProtocolError(codec.CodeInvalidRequest)})
		return "", OutcomeMalformed
	}
	decoded, err := schema.Decode(data)
	if err != nil {
		reply(w, errorResponse{JSONRPC: Version, Error: codec.ProtocolError(codec.CodeParseError)})
		return "", OutcomeMalformed
	}

	req, rpcErr := ep.parse(decoded)
	if rpcErr != nil {
		var id any
		if req != nil {
			id = req.id
			ep.logger.Debug().Str("method", req.method).Int("code", rpcErr.Code).Msg("request rejected")
		}
		reply(w, errorResponse{ID: id, JSONRPC: Version, Error: rpcErr})
		if req != nil && rpcErr.Code == codec.CodeMethodNotFound {
			return req.method, httpchannel.OutcomeUnrouted
		}
		if req != nil && rpcErr.Code == codec.CodeInvalidParams {
			return req.method, httpchannel.OutcomeInvalid
		}
		return "", OutcomeMalformed
	}

	if req.notify {
		reply(w, ackResponse{JSONRPC: Version, Method: req.method})
		ctx := context.WithoutCancel(httpReq.Context())
		go ep.invoke(ctx, req)
		return req.method, OutcomeNotified
	}

	resp, outcome := ep.invoke(httpReq.Context(), req)
	reply(w, resp)
	return req.method, outcome
}

// parse checks the envelope and the params. A nil request means no usable
// id could be read.
func (ep *endpoint) parse(decoded any) (*request, *codec.RPCError) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, codec.ProtocolError(codec.CodeInvalidRequest)
	}

	rawID, hasID := obj["id"]
	if hasID && !validID(rawID) {
		return nil, codec.ProtocolError(codec.CodeInvalidRequest)
	}
	req := &request{id: rawID, notify: !hasID || falsy(rawID)}

	if v, _ := obj["jsonrpc"].(string); v != Version {
		return req, codec.ProtocolError(codec.CodeInvalidRequest)
	}
	method, ok := obj["method"].(string)
	if !ok {
		return req, codec.ProtocolError(codec.CodeInvalidRequest)
	}
	req.method = method

	var params any = map[string]any{}
	if p, ok := obj["params"]; ok {
		switch p.(type) {
		case map[string]any, []any:
			params = p
		default:
			return req, codec.ProtocolError(codec.CodeInvalidRequest)
		}
	}

	compiled, ok := ep.methods[method]
	if !ok {
		return req, codec.ProtocolError(codec.CodeMethodNotFound)
	}
	req.compiled = compiled

	if err := compiled.Params.Validate(params); err != nil {
		ep.logger.Debug().Err(err).Str("method", method).Msg("invalid params")
		return req, codec.ProtocolError(codec.CodeInvalidParams)
	}
	switch p := params.(type) {
	case []any:
		req.named = compiled.Named(p)
	case map[string]any:
		req.named = p
	}
	return req, nil
}

func (ep *endpoint) invoke(ctx context.Context, req *request) (any, string) {
	logger := ep.logger.With().Str("method", req.method).Logger()

	res, err := ep.services.Invoke(ctx, req.method, req.named, nil)
	if err != nil {
		if errors.Is(err, failure.ErrRouting) {
			logger.Warn().Msg("method has no handler")
			return errorResponse{ID: req.id, JSONRPC: Version, Error: codec.ProtocolError(codec.CodeMethodNotFound)}, httpchannel.OutcomeUnrouted
		}
		logger.Error().Err(err).Msg("handler failed")
		return errorResponse{ID: req.id, JSONRPC: Version, Error: codec.ProtocolError(codec.CodeInternalError)}, httpchannel.OutcomeError
	}

	if !res.IsSuccess() {
		logger.Debug().Str("code", string(res.Code())).Msg("handler returned failure")
		return errorResponse{ID: req.id, JSONRPC: Version, Error: codec.RPCFailure(res)}, httpchannel.OutcomeFailed
	}

	if ep.settings.ValidateResults {
		if err := req.compiled.Result.Validate(res.Payload); err != nil {
			logger.Warn().Err(err).Msg("result does not match its schema")
		}
	}
	return successResponse{ID: req.id, JSONRPC: Version, Result: res.Payload}, httpchannel.OutcomeOK
}

func validID(id any) bool {
	switch v := id.(type) {
	case nil, string:
		return true
	case json.Number:
		return !strings.ContainsAny(v.String(), ".eE")
	}
	return false
}

func falsy(id any) bool {
	switch v := id.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == 0
	}
	return false
}

func reply(w http.ResponseWriter, v any) {
	httpchannel.WriteJSON(w, http.StatusOK, v)
}
