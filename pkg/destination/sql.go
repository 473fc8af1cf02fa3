package destination

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var _ Executor = &SQL{}

// SQL executes through database/sql, for MySQL and SQLite destinations. Batches prepare
// the statement once and execute it per row inside the transaction.
type SQL struct {
	db *sqlx.DB
}

func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args []interface{}) (int64, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (t *sqlTx) ExecBatch(ctx context.Context, query string, rows [][]interface{}) ([]int64, error) {
	stmt, err := t.tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer stmt.Close()

	counts := make([]int64, 0, len(rows))
	for _, row := range rows {
		result, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return counts, err
		}

		count, err := result.RowsAffected()
		if err != nil {
			return counts, err
		}

		counts = append(counts, count)
	}

	return counts, nil
}

func (t *sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

// Rollback tolerates the transaction having already ended, which database/sql does by
// itself when the context of the transaction is cancelled.
func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}
