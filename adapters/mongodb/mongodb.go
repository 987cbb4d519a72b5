// Package mongodb implements the mongo capability module: named document
// databases, each bound to the default database of its connection string.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/ports"
)

// ConnectTimeout bounds the initial ping of each server.
const ConnectTimeout = 10 * time.Second

// Databases holds the connected document databases.
type Databases struct {
	clients map[string]*mongo.Client
	dbs     map[string]*mongo.Database
	logger  zerolog.Logger
}

var _ ports.Mongo = (*Databases)(nil)

// Open connects every URL and pings the primary.
func Open(ctx context.Context, urls map[string]string, logger zerolog.Logger) (*Databases, error) {
	d := &Databases{
		clients: make(map[string]*mongo.Client, len(urls)),
		dbs:     make(map[string]*mongo.Database, len(urls)),
		logger:  logger,
	}

	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dbName, err := DatabaseName(urls[name])
		if err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("mongo %s: %w", name, err)
		}

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(urls[name]))
		if err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("mongo %s: connect: %w", name, err)
		}
		d.clients[name] = client

		pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("mongo %s: ping: %w", name, err)
		}

		d.dbs[name] = client.Database(dbName)
		logger.Debug().Str("name", name).Str("database", dbName).Msg("mongo connected")
	}
	return d, nil
}

// DatabaseName returns the database path of a mongodb:// or mongodb+srv://
// connection string.
func DatabaseName(raw string) (string, error) {
	cs, err := connstring.Parse(raw)
	if err != nil {
		return "", failure.Configuration("parse mongo url: %v", err)
	}
	if cs.Database == "" {
		return "", failure.Configuration("mongo url %q names no database", cs.Original)
	}
	return cs.Database, nil
}

// Database returns the named database.
func (d *Databases) Database(name string) (*mongo.Database, error) {
	db, ok := d.dbs[name]
	if !ok {
		return nil, fmt.Errorf("unknown mongo name %s", name)
	}
	return db, nil
}

// Close disconnects every client.
func (d *Databases) Close(ctx context.Context) error {
	var errs []error
	for name, client := range d.clients {
		if err := client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
	}
	d.clients = map[string]*mongo.Client{}
	return errors.Join(errs...)
}
