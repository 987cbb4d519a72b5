// Package http compiles OpenAPI operations into chi routes and dispatches
// requests to registered handlers.
//
// Each route merges path parameters, query parameters and the request body
// into one params object, validates every part against its compiled schema
// and maps the handler's tagged result to a status code.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/codec"
	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/server"
	"github.com/artpar/apifactory/core/service"
	"github.com/artpar/apifactory/core/spec"
	"github.com/artpar/apifactory/domain/result"
	"github.com/artpar/apifactory/ports"
)

// Protocol is the metrics label of this receiver.
const Protocol = "http"

// Request outcomes recorded in metrics.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeInvalid  = "invalid"
	OutcomeUnrouted = "unrouted"
	OutcomeError    = "error"
)

// DefaultBodyLimit caps request bodies when Settings.BodyLimit is unset.
const DefaultBodyLimit = 1 << 20

// Settings configures compilation.
type Settings struct {
	Labels    map[string]string
	Variables map[string]string

	// BodyField is the params key the request body is merged under when an
	// operation does not set x-name. Defaults to "body".
	BodyField string

	// MissingHandlerStatus answers operations without a handler: 404 or 405.
	MissingHandlerStatus int

	// ValidateResponses checks handler payloads against the declared
	// response schema and logs mismatches.
	ValidateResponses bool

	// BodyLimit caps request bodies in bytes.
	BodyLimit int64

	// Docs serves the document and Swagger UI on every listen address.
	Docs bool

	Logger  zerolog.Logger
	Metrics ports.MetricsRecorder
}

// Route is one compiled route, kept for inspection.
type Route struct {
	Addr        string
	Method      string
	Pattern     string
	OperationID string
}

// Receiver serves the operations of an OpenAPI document.
type Receiver struct {
	listeners *Listeners
	routes    []Route
}

type route struct {
	op        *schema.HTTPOperation
	bodyField string
	required  bool
	settings  *Settings
	services  *service.Registry
	logger    zerolog.Logger
}

// Compile builds the routes of every operation. Nothing listens until Run.
func Compile(doc *spec.OpenAPI, services *service.Registry, compiler schema.Compiler, settings Settings) (*Receiver, error) {
	if settings.BodyField == "" {
		settings.BodyField = schema.DefaultBodyField
	}
	switch settings.MissingHandlerStatus {
	case 0:
		settings.MissingHandlerStatus = http.StatusMethodNotAllowed
	case http.StatusNotFound, http.StatusMethodNotAllowed:
	default:
		return nil, failure.Configuration("missing handler status must be 404 or 405, got %d", settings.MissingHandlerStatus)
	}
	if settings.BodyLimit <= 0 {
		settings.BodyLimit = DefaultBodyLimit
	}
	if settings.Metrics == nil {
		settings.Metrics = ports.NopMetrics{}
	}

	recv := &Receiver{listeners: NewListeners(settings.Logger)}

	for _, template := range doc.PathOrder() {
		item := doc.Paths[template]
		for _, mo := range item.Operations() {
			op := mo.Operation
			compiled, err := schema.CompileHTTP(compiler, mo.Method, template, item, op)
			if err != nil {
				return nil, err
			}

			declared := op.Servers
			if len(declared) == 0 {
				declared = item.Servers
			}
			if len(declared) == 0 {
				declared = doc.Servers
			}
			binding, err := server.Select(spec.Bindings(declared), settings.Labels, settings.Variables)
			if err != nil {
				return nil, failure.Configuration("operation %q: %v", op.OperationID, err)
			}
			addr, base, err := server.Endpoint(binding.ResolvedURL, DefaultPort)
			if err != nil {
				return nil, err
			}

			pattern := schema.Route(base, template, func(name string) string { return "{" + name + "}" })
			if !recv.listeners.Claim(addr, compiled.Method, pattern) {
				return nil, failure.Configuration("route %s %s on %s bound twice", compiled.Method, pattern, addr)
			}

			rt := &route{
				op:        compiled,
				bodyField: settings.BodyField,
				settings:  &settings,
				services:  services,
				logger: settings.Logger.With().
					Str("operation_id", op.OperationID).
					Str("route", compiled.Method+" "+pattern).
					Logger(),
			}
			if rb := op.RequestBody; rb != nil {
				rt.required = rb.Required
				if rb.Name != "" {
					rt.bodyField = rb.Name
				}
			}
			if !services.Has(op.OperationID) {
				rt.logger.Warn().Msg("operation has no handler")
			}

			recv.listeners.Router(addr).Method(compiled.Method, pattern, rt)
			recv.routes = append(recv.routes, Route{
				Addr:        addr,
				Method:      compiled.Method,
				Pattern:     pattern,
				OperationID: op.OperationID,
			})
		}
	}

	if settings.Docs {
		for _, addr := range recv.listeners.Addrs() {
			if err := mountDocs(recv.listeners, addr, doc.Source()); err != nil {
				return nil, err
			}
		}
	}

	return recv, nil
}

// Routes lists the compiled routes in document order.
func (r *Receiver) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// Addrs returns the listen addresses.
func (r *Receiver) Addrs() []string {
	return r.listeners.Addrs()
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

func (rt *route) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	outcome := rt.serve(w, req)
	rt.settings.Metrics.ObserveRequest(Protocol, rt.op.OperationID, outcome, time.Since(start))
}

func (rt *route) serve(w http.ResponseWriter, req *http.Request) string {
	if !rt.services.Has(rt.op.OperationID) {
		w.WriteHeader(rt.settings.MissingHandlerStatus)
		return OutcomeUnrouted
	}

	params, err := rt.params(w, req)
	if err != nil {
		rt.logger.Debug().Err(err).Msg("request rejected")
		WriteJSON(w, http.StatusBadRequest, result.Failure{Code: result.TagInvalid, Message: err.Error()})
		return OutcomeInvalid
	}

	meta := &service.Meta{}
	res, err := rt.services.Invoke(req.Context(), rt.op.OperationID, params, meta)
	if err != nil {
		if errors.Is(err, failure.ErrRouting) {
			w.WriteHeader(rt.settings.MissingHandlerStatus)
			return OutcomeUnrouted
		}
		rt.logger.Error().Err(err).Msg("handler failed")
		WriteJSON(w, http.StatusInternalServerError, result.Failure{Code: result.TagError, Message: "internal error"})
		return OutcomeError
	}

	status := codec.HTTPStatus(res)
	body := codec.HTTPBody(res)
	if rt.settings.ValidateResponses {
		if v := rt.op.Response(status); v != nil {
			if err := v.Validate(body); err != nil {
				rt.logger.Warn().Err(err).Int("status", status).Msg("response does not match its schema")
			}
		}
	}

	writeResult(w, res, meta)
	if res.IsSuccess() {
		return OutcomeOK
	}
	rt.logger.Debug().Str("code", string(res.Code())).Msg("handler returned failure")
	return OutcomeFailed
}

// params merges and validates path parameters, query parameters and body.
func (rt *route) params(w http.ResponseWriter, req *http.Request) (map[string]any, error) {
	pathValues := url.Values{}
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" {
				continue
			}
			raw := rctx.URLParams.Values[i]
			if unescaped, err := url.PathUnescape(raw); err == nil {
				raw = unescaped
			}
			pathValues.Set(key, raw)
		}
	}
	pathParams := schema.Coerce(pathValues, rt.op.ParamsSchema)
	if err := rt.op.Params.Validate(pathParams); err != nil {
		return nil, err
	}

	query := schema.Coerce(req.URL.Query(), rt.op.QuerySchema)
	if err := rt.op.Query.Validate(query); err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(pathParams)+len(query)+1)
	for k, v := range pathParams {
		merged[k] = v
	}
	for k, v := range query {
		merged[k] = v
	}

	body, present, err := rt.body(w, req)
	if err != nil {
		return nil, err
	}
	if present {
		merged[rt.bodyField] = body
	}
	return merged, nil
}

func (rt *route) body(w http.ResponseWriter, req *http.Request) (any, bool, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return rt.missingBody()
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, rt.settings.BodyLimit))
	if err != nil {
		return nil, false, failure.Validation("read body: %v", err)
	}
	if len(data) == 0 {
		return rt.missingBody()
	}

	body, err := schema.Decode(data)
	if err != nil {
		return nil, false, failure.Validation("body is not valid JSON: %v", err)
	}
	if err := rt.op.Body.Validate(body); err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (rt *route) missingBody() (any, bool, error) {
	if rt.required {
		return nil, false, failure.Validation("request body is required")
	}
	return nil, false, nil
}

func writeResult(w http.ResponseWriter, res result.Result, meta *service.Meta) {
	if meta != nil {
		if link := meta.LinkHeader(); link != "" {
			w.Header().Set("Link", link)
		}
	}
	WriteJSON(w, codec.HTTPStatus(res), codec.HTTPBody(res))
}
