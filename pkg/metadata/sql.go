package metadata

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

var _ Provider = &SQL{}

// SQL reads column metadata through database/sql, for destinations that pgx can't
// speak to. The catalog query is chosen by the driver the database was opened with.
type SQL struct {
	db *sqlx.DB
}

func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

type sqlColumn struct {
	Name string `db:"name"`
	Key  int    `db:"pk"`
}

func (s *SQL) GetColumns(ctx context.Context, table string) ([]Column, error) {
	ctx, span := trace.StartSpan(ctx, "pkg/metadata.SQL.GetColumns")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("table", table),
		trace.StringAttribute("driver", s.db.DriverName()),
	)

	var query string
	switch s.db.DriverName() {
	case "sqlite", "sqlite3":
		query = `select name, pk from pragma_table_info(?) order by cid;`
	case "mysql":
		query = `
		select column_name as name
		     , column_key = 'PRI' as pk
		  from information_schema.columns
		 where table_schema = database() and table_name = ?
		 order by ordinal_position;
		`
	default:
		return nil, fmt.Errorf("unsupported driver for metadata: %s", s.db.DriverName())
	}

	rows := []sqlColumn{}
	if err := s.db.SelectContext(ctx, &rows, query, table); err != nil {
		return nil, errors.Wrap(err, "failed to query table columns")
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		columns = append(columns, Column{Name: row.Name, Key: row.Key > 0})
	}

	return columns, nil
}
