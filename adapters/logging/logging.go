// Package logging builds the zerolog loggers handed to receivers and to the
// logger capability module.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/ports"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New creates the root logger and sets the global level. The root logger
// carries no level of its own, so SetGlobalLevel on reload reaches it and
// every logger derived from it. Unknown levels fall back to info; format
// "console" writes human-readable lines, anything else JSON. A nil out
// writes to stdout.
func New(level, format string, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(level, zerolog.InfoLevel))

	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(format, FormatConsole) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel parses a level name, returning fallback for empty or unknown
// names.
func ParseLevel(name string, fallback zerolog.Level) zerolog.Level {
	if name == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return fallback
	}
	return level
}

// WithLevel derives a logger with its own level. An empty level keeps the
// parent's. The global level still applies on top, so a derived level can
// quiet a logger but not make it more verbose than the global one.
func WithLevel(parent zerolog.Logger, level string) zerolog.Logger {
	if level == "" {
		return parent
	}
	return parent.Level(ParseLevel(level, parent.GetLevel()))
}

// Factory hands out named child loggers.
type Factory struct {
	root zerolog.Logger
}

var _ ports.Logger = (*Factory)(nil)

// NewFactory creates a factory over root.
func NewFactory(root zerolog.Logger) *Factory {
	return &Factory{root: root}
}

// Named returns a child logger carrying name. An empty name returns the
// root logger.
func (f *Factory) Named(name string) zerolog.Logger {
	if name == "" {
		return f.root
	}
	return f.root.With().Str("name", name).Logger()
}
