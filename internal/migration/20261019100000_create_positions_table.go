package migration

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(Up20261019100000, Down20261019100000)
}

func Up20261019100000(tx *sql.Tx) error {
	_, err := tx.Exec(`
	create table positions (
		job_id text not null,
		table_name text not null,
		position text not null,
		updated_at timestamptz not null default now(),
		primary key (job_id, table_name)
	);
	`)

	return err
}

func Down20261019100000(tx *sql.Tx) error {
	_, err := tx.Exec(`
	drop table positions;
	`)

	return err
}
