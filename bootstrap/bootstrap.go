// Package bootstrap wires all dependencies and starts the application.
// Each protocol is enabled by the presence of its interface description:
// an OpenAPI document for HTTP, OpenRPC for JSON-RPC and AsyncAPI for events.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/adapters/envsource"
	"github.com/artpar/apifactory/adapters/logging"
	"github.com/artpar/apifactory/adapters/metrics"
	"github.com/artpar/apifactory/config"
	"github.com/artpar/apifactory/core/channel/events"
	httpchannel "github.com/artpar/apifactory/core/channel/http"
	"github.com/artpar/apifactory/core/channel/rpc"
	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/module"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/service"
	"github.com/artpar/apifactory/core/spec"
	"github.com/artpar/apifactory/ports"
)

// Options configures application initialization.
type Options struct {
	// ConfigPath is read when it exists; otherwise configuration comes from
	// the environment.
	ConfigPath string

	// Config, when set, is used instead of loading one.
	Config *config.Config

	// Env backs the env module. Defaults to the process environment.
	Env ports.Env

	// Services holds the handlers, keyed by operation id.
	Services *service.Registry

	// Modules are user capability modules. They may require built-ins.
	Modules []module.Module

	// Output receives log lines. Defaults to stdout.
	Output io.Writer

	// NewBroker overrides broker construction for the events receiver.
	NewBroker events.BrokerFactory
}

// App represents the running application.
type App struct {
	Logger   zerolog.Logger
	Config   *config.Config
	Metrics  *metrics.Collector
	Modules  *module.Registry
	Services *service.Registry

	HTTP   *httpchannel.Receiver
	RPC    *rpc.Receiver
	Events *events.Receiver

	holder        *config.Holder
	metricsServer *httpchannel.Listeners
}

// New compiles every present interface description and resolves the
// capability modules. Nothing listens until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, holder, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.Env == nil {
		opts.Env = envsource.FromOS()
	}
	if opts.Services == nil {
		opts.Services = service.NewRegistry()
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, opts.Output)
	logger.Info().Str("app", cfg.AppName).Msg("initializing apifactory")

	a := &App{
		Logger:   logger,
		Config:   cfg,
		Metrics:  metrics.New(),
		Services: opts.Services,
		holder:   holder,
	}
	if holder != nil {
		holder.SetLogger(logger)
		holder.OnReload(a.Metrics.ObserveReload)
	}

	if err := a.compile(ctx, opts); err != nil {
		a.closeModules(ctx)
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = httpchannel.NewListeners(logger.With().Str("component", "metrics").Logger())
		a.metricsServer.Router(cfg.Metrics.Addr).Handle(cfg.Metrics.Path, a.Metrics.Handler())
	}

	return a, nil
}

func loadConfig(opts Options) (*config.Config, *config.Holder, error) {
	if opts.Config != nil {
		return opts.Config, nil, nil
	}
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			holder, err := config.NewHolder(opts.ConfigPath, zerolog.Nop())
			if err != nil {
				return nil, nil, err
			}
			return holder.Get(), holder, nil
		}
	}
	cfg, err := config.LoadFromEnv()
	return cfg, nil, err
}

func (a *App) compile(ctx context.Context, opts Options) error {
	cfg := a.Config
	compiler := schema.NewCompiler()
	started := 0

	graph := module.NewGraph(a.Logger.With().Str("component", "modules").Logger())
	for _, m := range BuiltinModules(cfg, opts.Env, a.Logger) {
		if err := graph.Add(m); err != nil {
			return err
		}
	}

	// Events compile first so the sender can be offered as a module.
	if spec.Exists(cfg.EventsSpecPath) {
		doc, err := spec.LoadAsyncAPI(cfg.EventsSpecPath)
		if err != nil {
			return err
		}
		a.Events, err = events.Compile(doc, a.Services, compiler, events.Settings{
			Labels:    cfg.Events.Labels,
			Variables: cfg.Events.Variables,
			GroupID:   cfg.AppName,
			Logger:    a.receiverLogger("events", cfg.Events.LogLevel),
			Metrics:   a.Metrics,
			NewBroker: opts.NewBroker,
		})
		if err != nil {
			return fmt.Errorf("compile %s: %w", cfg.EventsSpecPath, err)
		}
		if err := graph.Add(eventsModule(a.Events)); err != nil {
			return err
		}
		started++
	}

	for _, m := range opts.Modules {
		if err := graph.Add(m); err != nil {
			return err
		}
	}

	registry, err := graph.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve modules: %w", err)
	}
	a.Modules = registry
	a.Metrics.ModulesInstantiated.Set(float64(registry.Len()))
	a.Services.Bind(registry.Handles())

	if spec.Exists(cfg.HTTPSpecPath) {
		doc, err := spec.LoadOpenAPI(cfg.HTTPSpecPath)
		if err != nil {
			return err
		}
		a.HTTP, err = httpchannel.Compile(doc, a.Services, compiler, httpchannel.Settings{
			Labels:               cfg.HTTP.Labels,
			Variables:            cfg.HTTP.Variables,
			BodyField:            cfg.HTTP.BodyField,
			MissingHandlerStatus: cfg.HTTP.MissingHandlerStatus,
			ValidateResponses:    cfg.HTTP.ValidateResponses,
			BodyLimit:            cfg.HTTP.BodyLimit,
			Docs:                 cfg.HTTP.Docs,
			Logger:               a.receiverLogger("http", cfg.HTTP.LogLevel),
			Metrics:              a.Metrics,
		})
		if err != nil {
			return fmt.Errorf("compile %s: %w", cfg.HTTPSpecPath, err)
		}
		started++
	}

	if spec.Exists(cfg.RPCSpecPath) {
		doc, err := spec.LoadOpenRPC(cfg.RPCSpecPath)
		if err != nil {
			return err
		}
		a.RPC, err = rpc.Compile(doc, a.Services, compiler, rpc.Settings{
			Labels:          cfg.RPC.Labels,
			Variables:       cfg.RPC.Variables,
			ValidateResults: cfg.RPC.ValidateResults,
			BodyLimit:       cfg.RPC.BodyLimit,
			Logger:          a.receiverLogger("rpc", cfg.RPC.LogLevel),
			Metrics:         a.Metrics,
		})
		if err != nil {
			return fmt.Errorf("compile %s: %w", cfg.RPCSpecPath, err)
		}
		started++
	}

	if started == 0 {
		return failure.Configuration("no apps started: none of %s, %s, %s exists",
			cfg.HTTPSpecPath, cfg.RPCSpecPath, cfg.EventsSpecPath)
	}
	return nil
}

func (a *App) receiverLogger(protocol, level string) zerolog.Logger {
	return logging.WithLevel(a.Logger.With().Str("protocol", protocol).Logger(), level)
}

// Start connects brokers and opens listeners. On failure whatever started
// is left for Shutdown to release.
func (a *App) Start(ctx context.Context) error {
	if a.Events != nil {
		if err := a.Events.Run(ctx); err != nil {
			return fmt.Errorf("start events: %w", err)
		}
	}
	if a.HTTP != nil {
		if err := a.HTTP.Run(ctx); err != nil {
			return fmt.Errorf("start http: %w", err)
		}
	}
	if a.RPC != nil {
		if err := a.RPC.Run(ctx); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
		a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("prometheus metrics enabled")
	}
	if a.holder != nil {
		if err := a.holder.WatchFile(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch disabled")
		}
	}
	return nil
}

// Run starts the application and blocks until ctx is done or SIGINT or
// SIGTERM arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("start failed")
		return errors.Join(err, a.Shutdown())
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		a.Logger.Info().Msg("context done, shutting down")
	}

	return a.Shutdown()
}

// Shutdown disposes the receivers, then tears the modules down, within the
// configured timeout.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()

	var errs []error
	dispose := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			a.Logger.Error().Err(err).Msg(name + " shutdown error")
			errs = append(errs, err)
		}
	}

	if a.HTTP != nil {
		dispose("http", a.HTTP.Dispose)
	}
	if a.RPC != nil {
		dispose("rpc", a.RPC.Dispose)
	}
	if a.Events != nil {
		dispose("events", a.Events.Dispose)
	}
	if a.metricsServer != nil {
		dispose("metrics", a.metricsServer.Stop)
	}
	if a.holder != nil {
		a.holder.Stop()
		a.holder = nil
	}
	if err := a.closeModules(ctx); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeModules(ctx context.Context) error {
	if a.Modules == nil {
		return nil
	}
	err := a.Modules.Close(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("module teardown error")
	}
	a.Modules = nil
	return err
}
