// Package module resolves the capability modules that handlers depend on.
//
// A module declares a unique name, the names of the modules it requires and a
// constructor. The graph orders modules so that every constructor runs after
// the constructors of its dependencies and sees only their handles.
//
// Usage:
//
//	g := module.NewGraph(logger)
//	g.Add(module.Module{Name: "env", Make: makeEnv})
//	g.Add(module.Module{Name: "sql", Requires: []string{"env"}, Make: makeSQL})
//
//	reg, err := g.Resolve(ctx)
//	defer reg.Close(ctx)
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/failure"
)

// Teardown releases whatever a constructor acquired.
type Teardown func(ctx context.Context) error

// Constructor builds a module from the handles of its declared dependencies.
// The teardown may be nil.
type Constructor func(ctx context.Context, deps Handles) (handle any, teardown Teardown, err error)

// Module is a named capability with its dependency list.
type Module struct {
	Name     string
	Requires []string
	Make     Constructor
}

// Handles maps module names to the handles their constructors returned.
type Handles map[string]any

// Get returns the handle registered under name, asserted to T.
func Get[T any](h Handles, name string) (T, error) {
	var zero T
	v, ok := h[name]
	if !ok {
		return zero, fmt.Errorf("module %q not available", name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("module %q has unexpected handle type %T", name, v)
	}
	return typed, nil
}

// Graph holds module declarations until they are resolved.
type Graph struct {
	mu      sync.Mutex
	modules map[string]Module
	names   []string // declaration order
	logger  zerolog.Logger
}

// NewGraph creates an empty graph.
func NewGraph(logger zerolog.Logger) *Graph {
	return &Graph{
		modules: make(map[string]Module),
		logger:  logger,
	}
}

// Add declares a module. Names must be unique.
func (g *Graph) Add(m Module) error {
	if m.Name == "" {
		return failure.Configuration("module name cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.modules[m.Name]; exists {
		return failure.Configuration("module %q declared twice", m.Name)
	}
	m.Requires = append([]string(nil), m.Requires...)
	g.modules[m.Name] = m
	g.names = append(g.names, m.Name)
	return nil
}

// Names returns the declared module names in declaration order.
func (g *Graph) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.names...)
}

type visitState int

const (
	unvisited visitState = iota
	onStack
	resolved
)

type frame struct {
	name string
	next int // index of the next dependency to visit
}

// Order returns the modules in dependency order. It fails with
// ErrConfiguration on an unknown dependency or a cycle, self-edges included.
func (g *Graph) Order() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order()
}

func (g *Graph) order() ([]string, error) {
	state := make(map[string]visitState, len(g.modules))
	order := make([]string, 0, len(g.modules))

	for _, root := range g.names {
		if state[root] == resolved {
			continue
		}

		stack := []frame{{name: root}}
		state[root] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			requires := g.modules[top.name].Requires

			if top.next < len(requires) {
				dep := requires[top.next]
				top.next++

				if _, ok := g.modules[dep]; !ok {
					return nil, failure.Configuration("module %q requires unknown module %q", top.name, dep)
				}

				switch state[dep] {
				case onStack:
					return nil, failure.Configuration("module cycle: %s", cyclePath(stack, dep))
				case unvisited:
					state[dep] = onStack
					stack = append(stack, frame{name: dep})
				}
				continue
			}

			state[top.name] = resolved
			order = append(order, top.name)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

func cyclePath(stack []frame, back string) string {
	start := 0
	for i, f := range stack {
		if f.name == back {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		parts = append(parts, f.name)
	}
	parts = append(parts, back)
	return strings.Join(parts, " -> ")
}

// Resolve validates the graph and runs every constructor in dependency order.
// Nothing is constructed when validation fails. When a constructor fails, the
// modules already built are torn down before the error is returned.
func (g *Graph) Resolve(ctx context.Context) (*Registry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, err := g.order()
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		handles: make(Handles, len(order)),
		logger:  g.logger,
	}

	for _, name := range order {
		m := g.modules[name]

		deps := make(Handles, len(m.Requires))
		for _, dep := range m.Requires {
			deps[dep] = reg.handles[dep]
		}

		var (
			handle   any
			teardown Teardown
		)
		if m.Make != nil {
			handle, teardown, err = m.Make(ctx, deps)
		}
		if err != nil {
			if closeErr := reg.Close(ctx); closeErr != nil {
				g.logger.Error().Err(closeErr).Msg("teardown after failed module construction")
			}
			return nil, fmt.Errorf("%w: make module %q: %w", failure.ErrConfiguration, name, err)
		}

		reg.handles[name] = handle
		reg.order = append(reg.order, name)
		if teardown != nil {
			reg.teardowns = append(reg.teardowns, namedTeardown{name: name, fn: teardown})
		}

		g.logger.Debug().
			Str("module", name).
			Strs("requires", m.Requires).
			Msg("module ready")
	}

	return reg, nil
}

type namedTeardown struct {
	name string
	fn   Teardown
}

// Registry holds the handles of resolved modules and owns their teardown.
type Registry struct {
	mu        sync.Mutex
	handles   Handles
	order     []string
	teardowns []namedTeardown
	closed    bool
	logger    zerolog.Logger
}

// Handles returns a copy of the name to handle map.
func (r *Registry) Handles() Handles {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(Handles, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}

// Get returns one handle.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.handles[name]
	return v, ok
}

// Order returns the construction order.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of constructed modules.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Close invokes every teardown exactly once, in reverse construction order.
// A failing teardown does not stop the others. Later calls are no-ops.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	teardowns := r.teardowns
	r.teardowns = nil
	r.mu.Unlock()

	var errs []error
	for i := len(teardowns) - 1; i >= 0; i-- {
		td := teardowns[i]
		if err := td.fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("module", td.name).Msg("module teardown failed")
			errs = append(errs, fmt.Errorf("teardown %q: %w", td.name, err))
		}
	}
	return errors.Join(errs...)
}
