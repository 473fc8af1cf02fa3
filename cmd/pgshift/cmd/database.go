package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/metadata"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"

	_ "github.com/go-mysql-org/go-mysql/driver"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// endpoint is one side of a migration. Every endpoint has a database/sql handle, which
// the dumper reads through, and Postgres endpoints additionally get a pgx pool for
// catalog queries, batched writes and the positions table.
type endpoint struct {
	driver   string
	db       *sqlx.DB
	pool     *pgxpool.Pool
	builder  *sqlbuilder.Builder
	executor destination.Executor
}

func openEndpoint(ctx context.Context, driver, dsn string) (*endpoint, error) {
	dialect, err := sqlbuilder.DialectFor(driver)
	if err != nil {
		return nil, UsageError{err}
	}

	switch driver {
	case "postgres", "pgx":
		pool, err := pgxpool.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		// pgx makes it difficult to use the raw pgconn.Config struct without going via the
		// ParseConfig method, so register the parsed config and open database/sql with the
		// name it gives us.
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("invalid database configuration: %w", err)
		}

		db, err := sql.Open("pgx", stdlib.RegisterConnConfig(cfg))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialise db.SQL: %w", err)
		}

		return &endpoint{
			driver:   "postgres",
			db:       sqlx.NewDb(db, "pgx"),
			pool:     pool,
			builder:  sqlbuilder.New(dialect, metadata.NewCached(metadata.NewPostgres(pool))),
			executor: destination.NewPgx(pool),
		}, nil

	default:
		db, err := sqlx.Open(dialect.Name(), dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
		}

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), err)
		}

		return &endpoint{
			driver:   dialect.Name(),
			db:       db,
			builder:  sqlbuilder.New(dialect, metadata.NewCached(metadata.NewSQL(db))),
			executor: destination.NewSQL(db),
		}, nil
	}
}

func (e *endpoint) Close() error {
	if e.pool != nil {
		e.pool.Close()
	}

	return e.db.Close()
}
