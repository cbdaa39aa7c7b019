package shipit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/shipit/internal/engine"
	"github.com/petrijr/shipit/internal/persistence"
)

// Store drivers understood by OpenBundle.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// BundleConfig selects the store behind a Bundle.
type BundleConfig struct {
	// Driver is one of the Driver constants. Empty means memory.
	Driver string

	// DSN is a file name or URI for sqlite, a redis:// URL for redis and a
	// connection string for postgres. Ignored for memory.
	DSN string

	Observer Observer
	Logger   *slog.Logger
}

// Bundle is an Engine together with the store connection it owns.
//
// Typical usage:
//
//	b, err := shipit.OpenBundle(ctx, shipit.BundleConfig{Driver: "sqlite", DSN: "file:shipit.db"})
//	defer b.Close()
//	// register workflows and task queues on b.Engine, then b.Engine.Recover(ctx)
type Bundle struct {
	Engine Engine

	closeStore func() error
}

// OpenBundle connects to the configured store and returns an engine using
// it. The connection is checked before returning.
func OpenBundle(ctx context.Context, cfg BundleConfig) (*Bundle, error) {
	var (
		p          persistence.Persistence
		closeStore = func() error { return nil }
	)

	switch cfg.Driver {
	case "", DriverMemory:
		p = persistence.NewInMemoryStore().Persistence()

	case DriverSQLite:
		db, err := openDB(ctx, "sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		// Lanes write concurrently; SQLite takes one writer at a time.
		db.SetMaxOpenConns(1)
		if p, err = persistence.NewSQLitePersistence(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		closeStore = db.Close

	case DriverPostgres:
		db, err := openDB(ctx, "pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		p = store.Persistence()
		closeStore = db.Close

	case DriverRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		p = persistence.NewRedisStore(client, "").Persistence()
		closeStore = client.Close

	default:
		return nil, fmt.Errorf("shipit: unknown store driver %q", cfg.Driver)
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Observer:    cfg.Observer,
		Logger:      cfg.Logger,
	})
	return &Bundle{Engine: eng, closeStore: closeStore}, nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("shipit: " + driver + " store needs a DSN")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}
	return db, nil
}

// sqliteDSN adds a busy timeout and WAL journaling unless the DSN already
// sets them.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	var pragmas []string
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "journal_mode") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if len(pragmas) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

// Close stops the engine and then releases the store connection.
func (b *Bundle) Close() error {
	b.Engine.Close()
	return b.closeStore()
}
