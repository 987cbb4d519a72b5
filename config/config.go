// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/artpar/apifactory/adapters/envsource"
	"github.com/artpar/apifactory/ports"
)

// Config is the root configuration structure.
type Config struct {
	AppName         string        `yaml:"app_name"`
	HTTPSpecPath    string        `yaml:"http_spec_path"`
	RPCSpecPath     string        `yaml:"rpc_spec_path"`
	EventsSpecPath  string        `yaml:"events_spec_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	HTTP    HTTPConfig    `yaml:"http"`
	RPC     RPCConfig     `yaml:"rpc"`
	Events  EventsConfig  `yaml:"events"`
	IDs     IDsConfig     `yaml:"ids"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BindingConfig selects the servers a protocol binds to.
type BindingConfig struct {
	// LogLevel quiets the receiver's logger. Empty follows logging.level.
	LogLevel string `yaml:"log_level"`

	// Labels must equal a server's x-labels for it to be selected.
	Labels map[string]string `yaml:"labels"`

	// Variables fill {name} placeholders in server URLs.
	Variables map[string]string `yaml:"variables"`
}

// HTTPConfig configures the OpenAPI receiver.
type HTTPConfig struct {
	BindingConfig `yaml:",inline"`

	MissingHandlerStatus int    `yaml:"missing_handler_status"` // 404 or 405
	BodyField            string `yaml:"body_field"`
	BodyLimit            int64  `yaml:"body_limit"`
	ValidateResponses    bool   `yaml:"validate_responses"`
	Docs                 bool   `yaml:"docs"` // Swagger UI at /swagger/
}

// RPCConfig configures the OpenRPC receiver.
type RPCConfig struct {
	BindingConfig `yaml:",inline"`

	BodyLimit       int64 `yaml:"body_limit"`
	ValidateResults bool  `yaml:"validate_results"`
}

// EventsConfig configures the AsyncAPI receiver.
type EventsConfig struct {
	BindingConfig `yaml:",inline"`
}

// IDsConfig configures the ids module.
type IDsConfig struct {
	Mode      string `yaml:"mode"` // "base32" or "uuid"
	Length    int    `yaml:"length"`
	CacheSize int    `yaml:"cache_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // Listen address (default: :9090)
	Path    string `yaml:"path"` // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg, envsource.FromOS())

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	APIFACTORY_APP_NAME               - Consumer group id (default: apifactory)
//	APIFACTORY_HTTP_SPEC_PATH         - OpenAPI document (default: ./openapi.yml)
//	APIFACTORY_RPC_SPEC_PATH          - OpenRPC document (default: ./openrpc.yml)
//	APIFACTORY_EVENTS_SPEC_PATH       - AsyncAPI document (default: ./asyncapi.yml)
//	APIFACTORY_SHUTDOWN_TIMEOUT       - Graceful shutdown bound (default: 30s)
//	APIFACTORY_LOG_LEVEL              - Log level: debug, info, warn, error (default: info)
//	APIFACTORY_LOG_FORMAT             - Log format: json or console (default: json)
//	APIFACTORY_HTTP_LOG_LEVEL         - HTTP receiver level (default: info)
//	APIFACTORY_HTTP_MISSING_HANDLER_STATUS - 404 or 405 (default: 405)
//	APIFACTORY_HTTP_BODY_FIELD        - Parameter holding the request body (default: body)
//	APIFACTORY_RPC_LOG_LEVEL          - RPC receiver level (default: info)
//	APIFACTORY_EVENTS_LOG_LEVEL       - Events receiver level (default: info)
//	APIFACTORY_ID_MODE                - base32 or uuid (default: base32)
//	APIFACTORY_ID_LENGTH              - Base32 id length (default: 24)
//	APIFACTORY_ID_CACHE_SIZE          - Ids drawn per random read (default: 500)
//	APIFACTORY_METRICS_ENABLED        - Serve Prometheus metrics (default: false)
//	APIFACTORY_METRICS_ADDR           - Metrics listen address (default: :9090)
//	APIFACTORY_METRICS_PATH           - Metrics path (default: /metrics)
//	HTTP_LABEL_<NAME>, HTTP_VARIABLE_<NAME>     - HTTP server labels and variables
//	RPC_LABEL_<NAME>, RPC_VARIABLE_<NAME>       - RPC server labels and variables
//	EVENTS_LABEL_<NAME>, EVENTS_VARIABLE_<NAME> - Events server labels and variables
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg, envsource.FromOS())
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads the file when it exists and the environment
// otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config, env ports.Env) {
	setString := func(key string, dst *string) {
		if v := env.Get(key); v != "" {
			*dst = v
		}
	}

	setString("apifactoryAppName", &cfg.AppName)
	setString("apifactoryHttpSpecPath", &cfg.HTTPSpecPath)
	setString("apifactoryRpcSpecPath", &cfg.RPCSpecPath)
	setString("apifactoryEventsSpecPath", &cfg.EventsSpecPath)
	if v := env.Get("apifactoryShutdownTimeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	// Logging configuration
	setString("apifactoryLogLevel", &cfg.Logging.Level)
	setString("apifactoryLogFormat", &cfg.Logging.Format)

	// Receiver configuration
	setString("apifactoryHttpLogLevel", &cfg.HTTP.LogLevel)
	setString("apifactoryHttpBodyField", &cfg.HTTP.BodyField)
	if v := env.Get("apifactoryHttpMissingHandlerStatus"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.MissingHandlerStatus = n
		}
	}
	if v := env.Get("apifactoryHttpDocs"); v != "" {
		cfg.HTTP.Docs = parseBool(v)
	}
	setString("apifactoryRpcLogLevel", &cfg.RPC.LogLevel)
	setString("apifactoryEventsLogLevel", &cfg.Events.LogLevel)

	cfg.HTTP.Labels = merge(cfg.HTTP.Labels, env.GetByPrefix("httpLabel"))
	cfg.HTTP.Variables = merge(cfg.HTTP.Variables, env.GetByPrefix("httpVariable"))
	cfg.RPC.Labels = merge(cfg.RPC.Labels, env.GetByPrefix("rpcLabel"))
	cfg.RPC.Variables = merge(cfg.RPC.Variables, env.GetByPrefix("rpcVariable"))
	cfg.Events.Labels = merge(cfg.Events.Labels, env.GetByPrefix("eventsLabel"))
	cfg.Events.Variables = merge(cfg.Events.Variables, env.GetByPrefix("eventsVariable"))

	// Identifier configuration
	setString("apifactoryIdMode", &cfg.IDs.Mode)
	if v := env.Get("apifactoryIdLength"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IDs.Length = n
		}
	}
	if v := env.Get("apifactoryIdCacheSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IDs.CacheSize = n
		}
	}

	// Metrics configuration
	if v := env.Get("apifactoryMetricsEnabled"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	setString("apifactoryMetricsAddr", &cfg.Metrics.Addr)
	setString("apifactoryMetricsPath", &cfg.Metrics.Path)
}

// merge overlays src onto dst. Empty results stay nil.
func merge(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "apifactory"
	}
	if cfg.HTTPSpecPath == "" {
		cfg.HTTPSpecPath = "./openapi.yml"
	}
	if cfg.RPCSpecPath == "" {
		cfg.RPCSpecPath = "./openrpc.yml"
	}
	if cfg.EventsSpecPath == "" {
		cfg.EventsSpecPath = "./asyncapi.yml"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.HTTP.MissingHandlerStatus == 0 {
		cfg.HTTP.MissingHandlerStatus = 405
	}
	if cfg.HTTP.BodyField == "" {
		cfg.HTTP.BodyField = "body"
	}
	if cfg.HTTP.BodyLimit == 0 {
		cfg.HTTP.BodyLimit = 1 << 20
	}
	if cfg.RPC.BodyLimit == 0 {
		cfg.RPC.BodyLimit = 1 << 20
	}

	if cfg.IDs.Mode == "" {
		cfg.IDs.Mode = "base32"
	}
	if cfg.IDs.Length == 0 {
		cfg.IDs.Length = 24
	}
	if cfg.IDs.CacheSize == 0 {
		cfg.IDs.CacheSize = 500
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	levels := map[string]string{
		"logging.level":    cfg.Logging.Level,
		"http.log_level":   cfg.HTTP.LogLevel,
		"rpc.log_level":    cfg.RPC.LogLevel,
		"events.log_level": cfg.Events.LogLevel,
	}
	for field, level := range levels {
		if level == "" && field != "logging.level" {
			continue
		}
		if _, err := zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("%s: unknown level %q", field, level)
		}
	}

	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.HTTP.MissingHandlerStatus != 404 && cfg.HTTP.MissingHandlerStatus != 405 {
		return fmt.Errorf("http.missing_handler_status must be 404 or 405, got %d", cfg.HTTP.MissingHandlerStatus)
	}
	if cfg.HTTP.BodyLimit < 0 || cfg.RPC.BodyLimit < 0 {
		return fmt.Errorf("body_limit must not be negative")
	}

	if cfg.IDs.Mode != "base32" && cfg.IDs.Mode != "uuid" {
		return fmt.Errorf("ids.mode must be 'base32' or 'uuid', got %q", cfg.IDs.Mode)
	}
	if cfg.IDs.Length < 1 || cfg.IDs.CacheSize < 1 {
		return fmt.Errorf("ids.length and ids.cache_size must be positive")
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
	}

	return nil
}
