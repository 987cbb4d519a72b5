// Package sqldb implements the sql capability module on sqlx. The URL
// scheme picks the driver: postgres(ql)://, mysql://, sqlite://<file> or
// :memory:.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/ports"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// MemoryURL opens a private in-memory SQLite database.
const MemoryURL = ":memory:"

// sqlitePragmas tune file-backed SQLite databases.
var sqlitePragmas = []string{
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
}

// Databases holds the named databases of the sql module.
type Databases struct {
	dbs    map[string]*Database
	logger zerolog.Logger
}

var _ ports.SQL = (*Databases)(nil)

// Open connects every named URL. On failure the databases opened so far are
// closed.
func Open(ctx context.Context, urls map[string]string, logger zerolog.Logger) (*Databases, error) {
	d := &Databases{dbs: make(map[string]*Database, len(urls)), logger: logger}

	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		db, err := Connect(ctx, urls[name])
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("database %q: %w", name, err)
		}
		d.dbs[name] = db
		logger.Info().Str("database", name).Str("driver", db.driver).Msg("database connected")
	}
	return d, nil
}

// Add registers an already open database under name.
func (d *Databases) Add(name string, db *Database) {
	d.dbs[name] = db
}

// Database returns a named database.
func (d *Databases) Database(name string) (ports.Database, error) {
	db, ok := d.dbs[name]
	if !ok {
		return nil, fmt.Errorf("unknown database name %s", name)
	}
	return db, nil
}

// Names lists the configured database names.
func (d *Databases) Names() []string {
	names := make([]string, 0, len(d.dbs))
	for name := range d.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every database.
func (d *Databases) Close() error {
	var errs []error
	for _, name := range d.Names() {
		if err := d.dbs[name].db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ParseURL maps a database URL to a driver name and DSN.
func ParseURL(raw string) (driver, dsn string, err error) {
	if raw == MemoryURL {
		return DriverSQLite, MemoryURL, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", failure.Configuration("parse database url: %v", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return DriverPostgres, raw, nil

	case "mysql":
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		cfg.ParseTime = true
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		if q := u.Query(); len(q) > 0 {
			cfg.Params = make(map[string]string, len(q))
			for k := range q {
				cfg.Params[k] = q.Get(k)
			}
		}
		return DriverMySQL, cfg.FormatDSN(), nil

	case "sqlite":
		path := u.Host + u.Path
		if path == "" {
			return "", "", failure.Configuration("sqlite url %q has no file", raw)
		}
		if path == MemoryURL {
			return DriverSQLite, MemoryURL, nil
		}
		return DriverSQLite, path + "?_journal_mode=WAL&_busy_timeout=5000", nil

	default:
		return "", "", failure.Configuration("unknown database protocol %q", u.Scheme)
	}
}

// Connect opens and pings one database.
func Connect(ctx context.Context, raw string) (*Database, error) {
	driver, dsn, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite && dsn == MemoryURL {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == DriverSQLite && dsn != MemoryURL {
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("set pragma: %w", err)
			}
		}
	}
	return Wrap(db), nil
}

// Database is one connection pool.
type Database struct {
	db     *sqlx.DB
	driver string
}

var _ ports.Database = (*Database)(nil)

// Wrap adapts an open sqlx handle.
func Wrap(db *sqlx.DB) *Database {
	return &Database{db: db, driver: db.DriverName()}
}

// Driver returns the driver name.
func (d *Database) Driver() string { return d.driver }

// Query runs a statement and returns its rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	return queryRows(ctx, d.db, query, args...)
}

// Exec runs a statement and returns the affected row count.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execStatement(ctx, d.db, query, args...)
}

// Transaction runs fn inside a transaction. fn's error or panic rolls back.
func (d *Database) Transaction(ctx context.Context, fn func(tx ports.Querier) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&querier{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querier runs statements inside a transaction.
type querier struct {
	ext sqlx.ExtContext
}

func (q *querier) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	return queryRows(ctx, q.ext, query, args...)
}

func (q *querier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execStatement(ctx, q.ext, query, args...)
}

func queryRows(ctx context.Context, e sqlx.ExtContext, query string, args ...any) ([]ports.Row, error) {
	rows, err := e.QueryxContext(ctx, e.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []ports.Row
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, ports.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func execStatement(ctx context.Context, e sqlx.ExtContext, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, e.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
