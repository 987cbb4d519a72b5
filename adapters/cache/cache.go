// Package cache implements the cache and redis capability modules.
//
// A cache URL selects the backend: redis://host:port/db uses go-redis,
// memory:// keeps values in process.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/ports"
)

// Caches holds the named caches of a deployment.
type Caches struct {
	caches  map[string]ports.Cache
	clients []*redis.Client
}

var _ ports.Caches = (*Caches)(nil)

// Open connects every cache URL. On failure the caches already opened are
// closed again.
func Open(ctx context.Context, urls map[string]string) (*Caches, error) {
	c := &Caches{caches: make(map[string]ports.Cache, len(urls))}
	for _, name := range sortedKeys(urls) {
		raw := urls[name]
		u, err := url.Parse(raw)
		if err != nil {
			c.Close()
			return nil, failure.Configuration("cache %s: %v", name, err)
		}
		switch u.Scheme {
		case "memory":
			c.caches[name] = NewMemory()
		case "redis", "rediss":
			client, err := Dial(ctx, raw)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("cache %s: %w", name, err)
			}
			c.clients = append(c.clients, client)
			c.caches[name] = NewRedis(client)
		default:
			c.Close()
			return nil, failure.Configuration("cache %s: unknown cache protocol %q", name, u.Scheme)
		}
	}
	return c, nil
}

// Cache returns the named cache.
func (c *Caches) Cache(name string) (ports.Cache, error) {
	cache, ok := c.caches[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache name %s", name)
	}
	return cache, nil
}

// Close closes the redis connections.
func (c *Caches) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.clients = nil
	return errors.Join(errs...)
}

// Dial parses a redis URL and pings the server.
func Dial(ctx context.Context, raw string) (*redis.Client, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, failure.Configuration("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

// Redis is a cache backed by a redis database.
type Redis struct {
	client *redis.Client
}

var _ ports.Cache = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, key, delta).Result()
}

// Flush clears the selected redis database.
func (r *Redis) Flush(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// Memory is an in-process cache. Expired entries are purged every minute.
type Memory struct {
	mu    sync.Mutex
	store *gocache.Cache
}

var _ ports.Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{store: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v.([]byte)...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.store.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.store.Get(key)
	return ok, nil
}

// Increment keeps the key's expiry. Values are stored as decimal text, as
// redis does.
func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	ttl := gocache.NoExpiration
	if v, exp, ok := m.store.GetWithExpiration(key); ok {
		n, err := strconv.ParseInt(string(v.([]byte)), 10, 64)
		if err != nil {
			return 0, errors.New("value is not an integer")
		}
		current = n
		if !exp.IsZero() {
			ttl = time.Until(exp)
		}
	}
	next := current + delta
	m.store.Set(key, []byte(strconv.FormatInt(next, 10)), ttl)
	return next, nil
}

func (m *Memory) Flush(context.Context) error {
	m.store.Flush()
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

// -----------------------------------------------------------------------------
// Raw clients
// -----------------------------------------------------------------------------

// Clients holds named raw redis clients for handlers that need more than
// key/value access.
type Clients struct {
	clients map[string]*redis.Client
}

var _ ports.Redis = (*Clients)(nil)

// OpenClients connects every redis URL.
func OpenClients(ctx context.Context, urls map[string]string) (*Clients, error) {
	c := &Clients{clients: make(map[string]*redis.Client, len(urls))}
	for _, name := range sortedKeys(urls) {
		client, err := Dial(ctx, urls[name])
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis %s: %w", name, err)
		}
		c.clients[name] = client
	}
	return c, nil
}

// Client returns the named client.
func (c *Clients) Client(name string) (*redis.Client, error) {
	client, ok := c.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown redis name %s", name)
	}
	return client, nil
}

// Close closes every client.
func (c *Clients) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
