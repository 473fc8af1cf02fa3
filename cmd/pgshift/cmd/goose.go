package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io/ioutil"
	"os"

	// Load migrations, so goose can discover them
	_ "github.com/lawrencejones/pgshift/internal/migration"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose"
)

// openMigrationDB connects to the Postgres database holding positions, with a search_path
// that places unqualified tables inside our schema.
func openMigrationDB(dsn, schema string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	cfg.RuntimeParams["search_path"] = fmt.Sprintf("%s,public", schema)

	db, err := sql.Open("pgx", stdlib.RegisterConnConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise db.SQL: %w", err)
	}

	return db, nil
}

// runGoose passes a command to goose, for managing the tracker schema by hand:
//
//	up                   Migrate the DB to the most recent version available
//	down                 Roll back the version by 1
//	redo                 Re-run the latest migration
//	status               Dump the migration status for the current DB
//	version              Print the current version of the database
func runGoose(ctx context.Context, dsn, schema, command string, args ...string) error {
	db, err := openMigrationDB(dsn, schema)
	if err != nil {
		return err
	}

	defer db.Close()

	logger.Log("event", "schema.create", "schema", schema)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`create schema if not exists %s;`, schema)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Goose migrations should exist within the schema, too
	goose.SetTableName(fmt.Sprintf("%s.schema_migrations", schema))

	// Our migrations are all Go, registered on import, so goose needs only a directory it
	// can list without finding anything.
	dir, err := ioutil.TempDir("", "goose-migrations-")
	if err != nil {
		return err
	}

	defer os.RemoveAll(dir)

	return goose.Run(command, db, dir, args...)
}
