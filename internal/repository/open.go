package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Options selects and configures a Repository implementation.
type Options struct {
	Driver     string
	DSN        string // postgres
	SQLitePath string // sqlite
	// Migrate applies the postgres schema after connecting. The sqlite
	// schema is always applied.
	Migrate bool
}

// Open connects to the configured store.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		store, err := NewSQLiteStore(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres, "":
		pool, err := connectPostgres(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if opts.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
