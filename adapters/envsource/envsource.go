// Package envsource reads configuration from environment variables using
// camelCase keys: sqlUrl reads SQL_URL, httpLabel collects HTTP_LABEL_*.
package envsource

import (
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/artpar/apifactory/ports"
)

// Source is a snapshot of an environment.
type Source struct {
	vars map[string]string
}

var _ ports.Env = (*Source)(nil)

// FromOS snapshots the process environment.
func FromOS() *Source {
	return New(os.Environ())
}

// New builds a source from KEY=value pairs. Later pairs win.
func New(environ []string) *Source {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	return &Source{vars: vars}
}

// FromMap builds a source from an ENV_KEY map.
func FromMap(vars map[string]string) *Source {
	s := &Source{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		s.vars[k] = v
	}
	return s
}

// Get returns the value for a camelCase key, or "".
func (s *Source) Get(key string) string {
	return s.vars[ToEnvKey(key)]
}

// GetDefault returns the value for key, or def when unset.
func (s *Source) GetDefault(key, def string) string {
	if v, ok := s.vars[ToEnvKey(key)]; ok {
		return v
	}
	return def
}

// GetByPrefix collects PREFIX_* variables keyed by the camelCase remainder.
func (s *Source) GetByPrefix(prefix string) map[string]string {
	out := make(map[string]string)
	envPrefix := ToEnvKey(prefix) + "_"
	for k, v := range s.vars {
		if rest, ok := strings.CutPrefix(k, envPrefix); ok && rest != "" {
			out[FromEnvKey(rest)] = v
		}
	}
	return out
}

// GetByPostfix collects *_POSTFIX variables keyed by the camelCase head.
func (s *Source) GetByPostfix(postfix string) map[string]string {
	out := make(map[string]string)
	envPostfix := "_" + ToEnvKey(postfix)
	for k, v := range s.vars {
		if head, ok := strings.CutSuffix(k, envPostfix); ok && head != "" {
			out[FromEnvKey(head)] = v
		}
	}
	return out
}

// ToEnvKey converts sqlUrl to SQL_URL.
func ToEnvKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

var underscoreLetter = regexp.MustCompile(`_[a-z]`)

// FromEnvKey converts SQL_URL to sqlUrl.
func FromEnvKey(key string) string {
	return underscoreLetter.ReplaceAllStringFunc(strings.ToLower(key), func(m string) string {
		return strings.ToUpper(m[1:])
	})
}
