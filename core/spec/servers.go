package spec

import (
	"fmt"

	"github.com/artpar/apifactory/core/server"
)

// ServerVariable is a templated variable as written in a document. Defaults
// may be written as numbers, so they are kept untyped until conversion.
type ServerVariable struct {
	Default     any    `json:"default"`
	Enum        []any  `json:"enum,omitempty"`
	Description string `json:"description,omitempty"`
}

// URLServer is an OpenAPI/OpenRPC server object.
type URLServer struct {
	Name        string                    `json:"name,omitempty"`
	URL         string                    `json:"url"`
	Description string                    `json:"description,omitempty"`
	Variables   map[string]ServerVariable `json:"variables,omitempty"`
	Labels      map[string]string         `json:"x-labels,omitempty"`
}

func convertVariables(in map[string]ServerVariable) map[string]server.Variable {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]server.Variable, len(in))
	for name, v := range in {
		sv := server.Variable{Description: v.Description}
		if v.Default != nil {
			sv.Default = fmt.Sprint(v.Default)
		}
		for _, e := range v.Enum {
			sv.Enum = append(sv.Enum, fmt.Sprint(e))
		}
		out[name] = sv
	}
	return out
}

// Bindings converts server objects into selectable bindings. Servers without
// a URL are skipped.
func Bindings(servers []URLServer) []server.Binding {
	out := make([]server.Binding, 0, len(servers))
	for _, s := range servers {
		if s.URL == "" {
			continue
		}
		out = append(out, server.Binding{
			ID:        s.Name,
			URL:       s.URL,
			Labels:    s.Labels,
			Variables: convertVariables(s.Variables),
			Protocol:  "http",
		})
	}
	return out
}
