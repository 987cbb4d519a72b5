// Package server selects the endpoint binding that is active for a deployment
// and expands its URL template.
package server

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/artpar/apifactory/core/failure"
)

// DefaultURL is used when a description declares no bindings at all.
const DefaultURL = "http://localhost:8080/"

// Variable is a templated connection variable with its declared default.
type Variable struct {
	Default     string   `json:"default"`
	Enum        []string `json:"enum,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Binding is a declared server: a URL template, the labels that select it and
// the variables the template may reference.
type Binding struct {
	ID              string
	URL             string
	Labels          map[string]string
	Variables       map[string]Variable
	Protocol        string
	ProtocolVersion string

	// ResolvedURL is the template after interpolation.
	ResolvedURL string
}

// MatchKind ranks how well a binding's labels fit the active labels.
type MatchKind int

const (
	NoMatch MatchKind = iota
	PartialMatch
	ExactMatch
)

// Match compares declared labels with the active ones. A binding is an exact
// match when every declared label equals the active value, and a partial
// match when at least one does. A binding without labels is an exact match.
func Match(declared, active map[string]string) MatchKind {
	if len(declared) == 0 {
		return ExactMatch
	}
	equal := 0
	for k, v := range declared {
		if av, ok := active[k]; ok && av == v {
			equal++
		}
	}
	switch {
	case equal == len(declared):
		return ExactMatch
	case equal > 0:
		return PartialMatch
	default:
		return NoMatch
	}
}

// Pick chooses a binding without interpolating it: the first exact match, else
// the first partial match, else the first declared binding. ok is false when
// there are no bindings.
func Pick(bindings []Binding, active map[string]string) (Binding, bool) {
	if len(bindings) == 0 {
		return Binding{}, false
	}

	partial := -1
	for i, b := range bindings {
		switch Match(b.Labels, active) {
		case ExactMatch:
			return b, true
		case PartialMatch:
			if partial < 0 {
				partial = i
			}
		}
	}
	if partial >= 0 {
		return bindings[partial], true
	}
	return bindings[0], true
}

// Select chooses the active binding and interpolates its URL. With no
// declared bindings it returns a synthetic binding for DefaultURL.
func Select(bindings []Binding, labels, variables map[string]string) (Binding, error) {
	if err := checkIDs(bindings); err != nil {
		return Binding{}, err
	}

	chosen, ok := Pick(bindings, labels)
	if !ok {
		chosen = Binding{ID: "default", URL: DefaultURL, Protocol: "http"}
	}
	return resolve(chosen, variables)
}

// SelectAll returns every exact match, interpolated, in declaration order.
// When nothing matches exactly it falls back to Select's single choice.
func SelectAll(bindings []Binding, labels, variables map[string]string) ([]Binding, error) {
	if err := checkIDs(bindings); err != nil {
		return nil, err
	}

	var out []Binding
	for _, b := range bindings {
		if Match(b.Labels, labels) != ExactMatch {
			continue
		}
		r, err := resolve(b, variables)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) > 0 {
		return out, nil
	}

	one, err := Select(bindings, labels, variables)
	if err != nil {
		return nil, err
	}
	return []Binding{one}, nil
}

func checkIDs(bindings []Binding) error {
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.ID == "" {
			continue
		}
		if seen[b.ID] {
			return failure.Configuration("server %q declared twice", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

func resolve(b Binding, active map[string]string) (Binding, error) {
	resolved, err := Interpolate(b.URL, b.Variables, active)
	if err != nil {
		if b.ID != "" {
			return Binding{}, fmt.Errorf("server %q: %w", b.ID, err)
		}
		return Binding{}, err
	}
	b.ResolvedURL = resolved
	return b, nil
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// Interpolate substitutes {name} placeholders from the active variables,
// falling back to each variable's declared default, which may be empty. A
// placeholder with neither is an ErrConfiguration.
func Interpolate(template string, declared map[string]Variable, active map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := active[name]; ok {
			return v
		}
		if v, ok := declared[name]; ok {
			return v.Default
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", failure.Configuration("unresolved url variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Endpoint splits a resolved URL into the listen address and base path the
// HTTP receivers use. A missing port falls back to defaultPort.
func Endpoint(resolved, defaultPort string) (addr, basePath string, err error) {
	u, err := url.Parse(resolved)
	if err != nil {
		return "", "", failure.Configuration("parse server url %q: %v", resolved, err)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	basePath = strings.TrimRight(u.Path, "/")
	return ":" + port, basePath, nil
}
