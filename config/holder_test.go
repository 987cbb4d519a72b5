package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/adapters/logging"
	"github.com/artpar/apifactory/config"
)

func TestHolder_Get(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	got := h.Get()
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.AppName != "tasks" {
		t.Errorf("AppName = %s, want tasks", got.AppName)
	}
}

func TestHolder_ReloadAppliesLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	path := writeConfig(t, validConfig())
	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var reloads []error
	h.OnReload(func(err error) { reloads = append(reloads, err) })

	if err := os.WriteFile(path, []byte("app_name: tasks\nlogging:\n  level: error\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	if h.Get().Logging.Level != "error" {
		t.Errorf("reloaded Logging.Level = %s, want error", h.Get().Logging.Level)
	}
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("GlobalLevel = %v, want error", zerolog.GlobalLevel())
	}
	if len(reloads) != 1 || reloads[0] != nil {
		t.Errorf("reload callbacks = %v, want one nil", reloads)
	}
}

func TestHolder_ReloadToDebugReachesLoggers(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	root := logging.New("info", "json", &buf)
	receiver := logging.WithLevel(root.With().Str("protocol", "http").Logger(), "")

	path := writeConfig(t, validConfig())
	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	root.Debug().Msg("before reload")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info: %q", buf.String())
	}

	if err := os.WriteFile(path, []byte("app_name: tasks\nlogging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	root.Debug().Msg("root after reload")
	receiver.Debug().Msg("receiver after reload")
	for _, want := range []string{"root after reload", "receiver after reload"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q missing %q", buf.String(), want)
		}
	}
}

func TestHolder_OnChange(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var receivedCfg *config.Config

	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		receivedCfg = cfg
		mu.Unlock()
	})

	if err := os.WriteFile(path, []byte("app_name: renamed\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if receivedCfg == nil {
		t.Fatal("OnChange callback was not called")
	}
	if receivedCfg.AppName != "renamed" {
		t.Errorf("callback received AppName = %s, want renamed", receivedCfg.AppName)
	}
}

func TestHolder_ReloadInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var reloadErr error
	h.OnReload(func(err error) { reloadErr = err })

	if err := os.WriteFile(path, []byte("http:\n  missing_handler_status: 500\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	if err := h.Reload(); err == nil {
		t.Error("Reload should fail for invalid config")
	}
	if reloadErr == nil {
		t.Error("OnReload did not receive the error")
	}

	if cfg := h.Get(); cfg.AppName != "tasks" {
		t.Errorf("should keep old config, got AppName = %s", cfg.AppName)
	}
}

func TestHolder_WatchFile(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	changed := make(chan *config.Config, 8)
	h.OnChange(func(cfg *config.Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.WatchFile(ctx); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	if err := os.WriteFile(path, []byte("app_name: watched\n"), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.AppName == "watched" {
				return
			}
		case <-deadline:
			t.Fatalf("file watcher did not reload, AppName = %s", h.Get().AppName)
		}
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if h.Get() == nil {
					t.Error("concurrent Get returned nil")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}
	wg.Wait()
}

func TestHolder_WatchFileDebounces(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	reloads := 0
	h.OnReload(func(error) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.WatchFile(ctx); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(path, []byte("app_name: "+name+"\n"), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Get().AppName != "c" && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := h.Get().AppName; got != "c" {
		t.Fatalf("AppName = %s, want c", got)
	}
	time.Sleep(3 * config.DebounceInterval)

	mu.Lock()
	defer mu.Unlock()
	if reloads == 0 || reloads >= 3 {
		t.Errorf("reloads = %d, want the burst of 3 writes coalesced", reloads)
	}
}

func TestHolder_StopTwice(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	if err := h.WatchFile(context.Background()); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}
	h.Stop()
	h.Stop()
}

func TestDiff(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			AppName: "tasks",
			HTTP:    config.HTTPConfig{MissingHandlerStatus: 405},
			Logging: config.LoggingConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name   string
		modify func(*config.Config)
		want   []string
	}{
		{"unchanged", func(*config.Config) {}, nil},
		{"level", func(c *config.Config) { c.Logging.Level = "debug" }, []string{"logging.level"}},
		{"nested http", func(c *config.Config) { c.HTTP.Labels = map[string]string{"type": "prod"} }, []string{"http"}},
		{"several", func(c *config.Config) {
			c.AppName = "renamed"
			c.Logging.Format = "console"
		}, []string{"logging.format", "app_name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base()
			tt.modify(next)

			got := config.Diff(base(), next)
			if len(got) != len(tt.want) {
				t.Fatalf("Diff() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Diff()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReloadableFields(t *testing.T) {
	reloadable := config.ReloadableFields()
	if len(reloadable) != 1 || reloadable[0] != "logging.level" {
		t.Errorf("ReloadableFields = %v, want [logging.level]", reloadable)
	}

	for _, f := range config.NonReloadableFields() {
		if f == "logging.level" {
			t.Error("logging.level is listed as non-reloadable")
		}
	}
}

// Helpers

func validConfig() string {
	return `
app_name: tasks
logging:
  level: info
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
