// Package service holds the handler functions operations dispatch to.
package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/module"
	"github.com/artpar/apifactory/domain/result"
)

// Handler serves one operation. params holds the validated, merged request
// parameters; modules holds the resolved capability handles.
type Handler func(ctx context.Context, params map[string]any, modules module.Handles, meta *Meta) (result.Result, error)

// Link is one entry of the Link response header.
type Link struct {
	Rel string
	URL string
}

// Meta carries response metadata a handler may set alongside its result.
type Meta struct {
	mu    sync.Mutex
	links []Link
}

// Link adds a link relation. Setting the same rel again replaces its URL.
func (m *Meta) Link(rel, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.links {
		if m.links[i].Rel == rel {
			m.links[i].URL = url
			return
		}
	}
	m.links = append(m.links, Link{Rel: rel, URL: url})
}

// Links returns the links in the order they were first added.
func (m *Meta) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Link(nil), m.links...)
}

// LinkHeader formats the links as `<url>; rel=name`, comma separated.
func (m *Meta) LinkHeader() string {
	links := m.Links()
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, fmt.Sprintf("<%s>; rel=%s", l.URL, l.Rel))
	}
	return strings.Join(parts, ", ")
}

// Registry maps operation ids to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	modules  module.Handles
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Each operation id may be registered once.
func (r *Registry) Register(operationID string, h Handler) error {
	if operationID == "" {
		return failure.Configuration("operation id cannot be empty")
	}
	if h == nil {
		return failure.Configuration("handler for %q is nil", operationID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[operationID]; exists {
		return failure.Configuration("handler for %q registered twice", operationID)
	}
	r.handlers[operationID] = h
	return nil
}

// Lookup returns the handler for an operation id.
func (r *Registry) Lookup(operationID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operationID]
	return h, ok
}

// Has reports whether an operation id has a handler.
func (r *Registry) Has(operationID string) bool {
	_, ok := r.Lookup(operationID)
	return ok
}

// IDs returns the registered operation ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bind sets the module handles passed to every handler.
func (r *Registry) Bind(modules module.Handles) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = modules
}

// Invoke runs the handler for an operation id. A missing handler is an
// ErrRouting. A returned error or a panic is reported as ErrUnhandled.
func (r *Registry) Invoke(ctx context.Context, operationID string, params map[string]any, meta *Meta) (res result.Result, err error) {
	r.mu.RLock()
	h, ok := r.handlers[operationID]
	modules := r.modules
	r.mu.RUnlock()

	if !ok {
		return result.Result{}, failure.Routing("no handler for operation %q", operationID)
	}
	if meta == nil {
		meta = &Meta{}
	}
	if params == nil {
		params = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			err = failure.Unhandled(fmt.Errorf("panic in %s: %v\n%s", operationID, p, debug.Stack()))
		}
	}()

	res, err = h(ctx, params, modules, meta)
	if err != nil {
		return result.Result{}, failure.Unhandled(err)
	}
	return res, nil
}
