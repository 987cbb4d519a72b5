// Package ports defines the handle contracts of the built-in capability
// modules. Handlers receive implementations of these interfaces through the
// module registry; the implementations live in adapters/.
package ports

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Env reads process configuration. Keys are camelCase; they map to
// UPPER_SNAKE environment variables (sqlUrl <-> SQL_URL).
type Env interface {
	// Get returns the value of a key, or "" when unset.
	Get(key string) string

	// GetByPrefix collects every key under a prefix, with the prefix removed:
	// HTTP_LABEL_TYPE=prod gives {"type": "prod"} for prefix "httpLabel".
	GetByPrefix(prefix string) map[string]string

	// GetByPostfix collects every key ending in a postfix, keyed by the rest:
	// MAIN_SQL_URL=... gives {"main": "..."} for postfix "sqlUrl".
	GetByPostfix(postfix string) map[string]string
}

// Logger hands out named child loggers.
type Logger interface {
	Named(name string) zerolog.Logger
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	// New returns a fresh identifier.
	New() string

	// Parse checks an identifier's checksum. ok is false for malformed ids.
	Parse(id string) (value string, ok bool)
}

// -----------------------------------------------------------------------------
// Storage Ports
// -----------------------------------------------------------------------------

// Row is one result row keyed by column name.
type Row map[string]any

// Querier runs statements. Placeholders are written as "?" and rebound to the
// driver's syntax.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (rowsAffected int64, err error)
}

// Database is a named SQL database.
type Database interface {
	Querier

	// Transaction runs fn in a transaction, committing when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Querier) error) error

	// Driver returns the driver name (postgres, mysql or sqlite3).
	Driver() string
}

// SQL resolves named databases.
type SQL interface {
	Database(name string) (Database, error)
}

// Cache is a key/value cache.
type Cache interface {
	// Get retrieves a value. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically adds delta and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Flush clears all keys.
	Flush(ctx context.Context) error
}

// Caches resolves named caches.
type Caches interface {
	Cache(name string) (Cache, error)
}

// Redis resolves named raw redis clients.
type Redis interface {
	Client(name string) (*redis.Client, error)
}

// Mongo resolves named document databases.
type Mongo interface {
	Database(name string) (*mongo.Database, error)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStore is a bucket-bound blob store.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get returns the object body; the caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	// URL returns a presigned GET URL valid for ttl.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Storage resolves named object stores.
type Storage interface {
	Bucket(name string) (ObjectStore, error)
}

// -----------------------------------------------------------------------------
// Messaging and Observability Ports
// -----------------------------------------------------------------------------

// EventSender publishes outbound messages of send operations.
type EventSender interface {
	Send(ctx context.Context, operationID string, payload any) error
}

// MetricsRecorder records dispatch outcomes.
type MetricsRecorder interface {
	// ObserveRequest records one HTTP or RPC request.
	ObserveRequest(protocol, operation, outcome string, duration time.Duration)

	// ObserveMessage records one inbound message.
	ObserveMessage(operation, outcome string)

	// ObservePublish records one outbound publish to one server.
	ObservePublish(operation, server, outcome string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveRequest(string, string, string, time.Duration) {}
func (NopMetrics) ObserveMessage(string, string)                        {}
func (NopMetrics) ObservePublish(string, string, string)                {}
