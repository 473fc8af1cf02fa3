package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

// Conn is satisfied by pgx connections, pools and transactions
type Conn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ Tracker = &Postgres{}

// Postgres stores positions in the positions table created by internal/migration, one
// row per job and table.
type Postgres struct {
	conn   Conn
	schema string
	jobID  string
	table  string
	last   record.Position
	sync.Mutex
}

func NewPostgres(conn Conn, schema, jobID, table string) *Postgres {
	return &Postgres{conn: conn, schema: schema, jobID: jobID, table: table}
}

func (p *Postgres) Save(ctx context.Context, position record.Position) error {
	p.Lock()
	defer p.Unlock()

	if err := check(p.last, position); err != nil {
		return err
	}

	query := fmt.Sprintf(`
	insert into %s.positions (job_id, table_name, position, updated_at)
	values ($1, $2, $3, now())
	on conflict (job_id, table_name) do update
	set position = excluded.position, updated_at = excluded.updated_at;
	`, p.schema)

	if _, err := p.conn.Exec(ctx, query, p.jobID, p.table, position.String()); err != nil {
		return errors.Wrap(err, "failed to save position")
	}

	p.last = position
	return nil
}

func (p *Postgres) Load(ctx context.Context) (record.Position, error) {
	p.Lock()
	defer p.Unlock()

	query := fmt.Sprintf(`select position from %s.positions where job_id = $1 and table_name = $2;`, p.schema)

	var value string
	err := p.conn.QueryRow(ctx, query, p.jobID, p.table).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load position")
	}

	position, err := record.ParsePosition(value)
	if err != nil {
		return nil, err
	}

	p.last = position
	return position, nil
}
