// Package config provides configuration loading and hot reload.
package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DebounceInterval coalesces the bursts of events editors emit for one save.
const DebounceInterval = 100 * time.Millisecond

// field is one configuration value compared across reloads.
type field struct {
	name       string
	reloadable bool
	get        func(*Config) any
}

// fields lists every top-level setting. Receivers, routes and modules are
// compiled once at startup, so only the log level applies live.
var fields = []field{
	{"logging.level", true, func(c *Config) any { return c.Logging.Level }},
	{"logging.format", false, func(c *Config) any { return c.Logging.Format }},
	{"app_name", false, func(c *Config) any { return c.AppName }},
	{"http_spec_path", false, func(c *Config) any { return c.HTTPSpecPath }},
	{"rpc_spec_path", false, func(c *Config) any { return c.RPCSpecPath }},
	{"events_spec_path", false, func(c *Config) any { return c.EventsSpecPath }},
	{"shutdown_timeout", false, func(c *Config) any { return c.ShutdownTimeout }},
	{"http", false, func(c *Config) any { return c.HTTP }},
	{"rpc", false, func(c *Config) any { return c.RPC }},
	{"events", false, func(c *Config) any { return c.Events }},
	{"ids", false, func(c *Config) any { return c.IDs }},
	{"metrics", false, func(c *Config) any { return c.Metrics }},
}

// Holder serves the current configuration and reloads it when the file
// changes or the process receives SIGHUP.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)
	onReload []func(error)

	reloadMu sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	watcher  *fsnotify.Watcher
}

// NewHolder loads the configuration at path.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Holder{
		path:   abs,
		logger: logger.With().Str("config", abs).Logger(),
		config: cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// SetLogger replaces the logger. Call it before WatchFile.
func (h *Holder) SetLogger(logger zerolog.Logger) {
	h.logger = logger.With().Str("config", h.path).Logger()
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// OnChange registers fn to receive every successfully reloaded config.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// OnReload registers fn for every reload attempt; err is nil on success.
func (h *Holder) OnReload(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReload = append(h.onReload, fn)
}

// Reload reads the file again. An invalid file keeps the current config.
func (h *Holder) Reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := Load(h.path)
	if err != nil {
		err = fmt.Errorf("reload config: %w", err)
		h.logger.Error().Err(err).Msg("config reload failed, keeping current config")
		h.notify(nil, err)
		return err
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	h.mu.Unlock()

	for _, name := range Diff(prev, next) {
		if isReloadable(name) {
			h.logger.Info().Str("field", name).Msg("config change applied")
			continue
		}
		h.logger.Warn().Str("field", name).Msg("config change takes effect after restart")
	}
	if prev.Logging.Level != next.Logging.Level {
		applyLevel(next)
	}

	h.notify(next, nil)
	return nil
}

func (h *Holder) notify(cfg *Config, err error) {
	h.mu.RLock()
	changed := append([]func(*Config){}, h.onChange...)
	reloaded := append([]func(error){}, h.onReload...)
	h.mu.RUnlock()

	if cfg != nil {
		for _, fn := range changed {
			fn(cfg)
		}
	}
	for _, fn := range reloaded {
		fn(err)
	}
}

// WatchFile reloads on writes to the config file and on SIGHUP until ctx
// ends or Stop is called. The directory is watched so atomic saves, which
// replace the file, are seen.
func (h *Holder) WatchFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go h.watch(ctx, hup)
	h.logger.Debug().Msg("watching config file")
	return nil
}

func (h *Holder) watch(ctx context.Context, hup chan os.Signal) {
	defer signal.Stop(hup)

	name := filepath.Base(h.path)
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(DebounceInterval)
			}
		case <-pending:
			pending = nil
			_ = h.Reload()
		case <-hup:
			h.logger.Info().Msg("received SIGHUP")
			_ = h.Reload()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		}
	}
}

// Stop ends watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

// Diff names the fields that differ between two configurations.
func Diff(prev, next *Config) []string {
	var changed []string
	for _, f := range fields {
		if !reflect.DeepEqual(f.get(prev), f.get(next)) {
			changed = append(changed, f.name)
		}
	}
	return changed
}

func isReloadable(name string) bool {
	for _, f := range fields {
		if f.name == name {
			return f.reloadable
		}
	}
	return false
}

// applyLevel sets the global level, which the root logger and every logger
// derived from it follow.
func applyLevel(cfg *Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}

// ReloadableFields returns the fields applied without a restart.
func ReloadableFields() []string {
	return fieldNames(true)
}

// NonReloadableFields returns the fields that need a restart.
func NonReloadableFields() []string {
	return fieldNames(false)
}

func fieldNames(reloadable bool) []string {
	var out []string
	for _, f := range fields {
		if f.reloadable == reloadable {
			out = append(out, f.name)
		}
	}
	return out
}
