// Package bootstrap - modules.go declares the built-in capability modules.
package bootstrap

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/adapters/cache"
	"github.com/artpar/apifactory/adapters/idgen"
	"github.com/artpar/apifactory/adapters/logging"
	"github.com/artpar/apifactory/adapters/mongodb"
	"github.com/artpar/apifactory/adapters/objectstore"
	"github.com/artpar/apifactory/adapters/sqldb"
	"github.com/artpar/apifactory/config"
	"github.com/artpar/apifactory/core/module"
	"github.com/artpar/apifactory/ports"
)

// Built-in module names.
const (
	ModuleEnv    = "env"
	ModuleLogger = "logger"
	ModuleIDs    = "ids"
	ModuleSQL    = "sql"
	ModuleCache  = "cache"
	ModuleRedis  = "redis"
	ModuleMongo  = "mongo"
	ModuleS3     = "s3"
	ModuleEvents = "events"
)

// Env postfixes naming the resources of each module: MAIN_SQL_URL declares
// the "main" database.
const (
	PostfixSQL   = "sqlUrl"
	PostfixCache = "cacheUrl"
	PostfixRedis = "redisUrl"
	PostfixMongo = "mongoUrl"
)

// BuiltinModules declares the capability modules every app can depend on.
// Modules whose resources are not configured resolve to empty sets.
func BuiltinModules(cfg *config.Config, env ports.Env, logger zerolog.Logger) []module.Module {
	return []module.Module{
		{
			Name: ModuleEnv,
			Make: func(context.Context, module.Handles) (any, module.Teardown, error) {
				return env, nil, nil
			},
		},
		{
			Name:     ModuleLogger,
			Requires: []string{ModuleEnv},
			Make: func(context.Context, module.Handles) (any, module.Teardown, error) {
				return logging.NewFactory(logger), nil, nil
			},
		},
		{
			Name:     ModuleIDs,
			Requires: []string{ModuleEnv},
			Make: func(context.Context, module.Handles) (any, module.Teardown, error) {
				return idgen.New(cfg.IDs.Mode, cfg.IDs.Length, cfg.IDs.CacheSize), nil, nil
			},
		},
		{
			Name:     ModuleSQL,
			Requires: []string{ModuleEnv, ModuleLogger},
			Make: func(ctx context.Context, deps module.Handles) (any, module.Teardown, error) {
				e, err := module.Get[ports.Env](deps, ModuleEnv)
				if err != nil {
					return nil, nil, err
				}
				loggers, err := module.Get[ports.Logger](deps, ModuleLogger)
				if err != nil {
					return nil, nil, err
				}
				dbs, err := sqldb.Open(ctx, e.GetByPostfix(PostfixSQL), loggers.Named(ModuleSQL))
				if err != nil {
					return nil, nil, err
				}
				return dbs, func(context.Context) error { return dbs.Close() }, nil
			},
		},
		{
			Name:     ModuleCache,
			Requires: []string{ModuleEnv},
			Make: func(ctx context.Context, deps module.Handles) (any, module.Teardown, error) {
				e, err := module.Get[ports.Env](deps, ModuleEnv)
				if err != nil {
					return nil, nil, err
				}
				caches, err := cache.Open(ctx, e.GetByPostfix(PostfixCache))
				if err != nil {
					return nil, nil, err
				}
				return caches, func(context.Context) error { return caches.Close() }, nil
			},
		},
		{
			Name:     ModuleRedis,
			Requires: []string{ModuleEnv},
			Make: func(ctx context.Context, deps module.Handles) (any, module.Teardown, error) {
				e, err := module.Get[ports.Env](deps, ModuleEnv)
				if err != nil {
					return nil, nil, err
				}
				clients, err := cache.OpenClients(ctx, e.GetByPostfix(PostfixRedis))
				if err != nil {
					return nil, nil, err
				}
				return clients, func(context.Context) error { return clients.Close() }, nil
			},
		},
		{
			Name:     ModuleMongo,
			Requires: []string{ModuleEnv},
			Make: func(ctx context.Context, deps module.Handles) (any, module.Teardown, error) {
				e, err := module.Get[ports.Env](deps, ModuleEnv)
				if err != nil {
					return nil, nil, err
				}
				dbs, err := mongodb.Open(ctx, e.GetByPostfix(PostfixMongo), logger.With().Str("name", ModuleMongo).Logger())
				if err != nil {
					return nil, nil, err
				}
				return dbs, dbs.Close, nil
			},
		},
		{
			Name:     ModuleS3,
			Requires: []string{ModuleEnv},
			Make: func(ctx context.Context, deps module.Handles) (any, module.Teardown, error) {
				e, err := module.Get[ports.Env](deps, ModuleEnv)
				if err != nil {
					return nil, nil, err
				}
				buckets, err := objectstore.Open(ctx, objectstore.OptionsFromEnv(e))
				if err != nil {
					return nil, nil, err
				}
				return buckets, nil, nil
			},
		},
	}
}

// eventsModule exposes the outbound sender of the AsyncAPI receiver.
func eventsModule(sender ports.EventSender) module.Module {
	return module.Module{
		Name: ModuleEvents,
		Make: func(context.Context, module.Handles) (any, module.Teardown, error) {
			return sender, nil, nil
		},
	}
}
