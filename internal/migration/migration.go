// Migrations for the schema pgshift keeps its own state in, which lives in the
// destination Postgres database.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/ioutil"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate creates the schema if needed and applies every registered migration. The
// connection should have a search_path starting with schemaName, so unqualified tables
// in migrations are created inside it.
func Migrate(ctx context.Context, logger kitlog.Logger, db *sql.DB, schemaName string) error {
	logger.Log("event", "schema.create", "schema", schemaName)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`create schema if not exists %s;`, schemaName)); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	logger.Log("event", "migrate", "schema", schemaName)
	goose.SetTableName(fmt.Sprintf("%s.schema_migrations", schemaName))

	// goose chokes on our current directory with "no separator" errors, and we only use
	// Go migrations, so point it at a scratch directory instead.
	dir, err := ioutil.TempDir("", "goose-migrations-")
	if err != nil {
		return errors.Wrap(err, "failed to create scratch migration directory")
	}
	defer os.RemoveAll(dir)

	if err := goose.Up(db, dir); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	return nil
}
