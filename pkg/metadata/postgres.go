package metadata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// querier allows the provider to accept either transaction, connection or pool objects
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

var _ Provider = &Postgres{}

// Postgres reads column metadata from the Postgres catalog. Tables may be given as
// table or schema.table, and are resolved using the search_path of the connection.
type Postgres struct {
	conn querier
}

func NewPostgres(conn querier) *Postgres {
	return &Postgres{conn: conn}
}

func (p *Postgres) GetColumns(ctx context.Context, table string) ([]Column, error) {
	ctx, span := trace.StartSpan(ctx, "pkg/metadata.Postgres.GetColumns")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("table", table))

	// Eg. name = id, key = true
	query := `
	select attname as name
	     , coalesce(attnum = any(pg_index.indkey), false) as key
	  from pg_attribute
	  left join pg_index on pg_index.indrelid = pg_attribute.attrelid and pg_index.indisprimary
	 where attrelid = to_regclass($1) and attnum > 0 and not attisdropped
	 order by attnum;
	`

	rows, err := p.conn.Query(ctx, query, table)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pg_attribute for table columns")
	}

	defer rows.Close()

	columns := []Column{}
	for rows.Next() {
		column := Column{}
		if err := rows.Scan(&column.Name, &column.Key); err != nil {
			return nil, err
		}

		columns = append(columns, column)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	return columns, nil
}
