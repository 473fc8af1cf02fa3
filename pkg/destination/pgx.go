package destination

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ Executor = &Pgx{}

// Pgx executes against Postgres with the native pgx driver. Batches are sent in one
// round trip using the extended protocol pipeline.
type Pgx struct {
	pool *pgxpool.Pool
}

func NewPgx(pool *pgxpool.Pool) *Pgx {
	return &Pgx{pool: pool}
}

func (p *Pgx) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &pgxTx{tx: tx}, nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args []interface{}) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (t *pgxTx) ExecBatch(ctx context.Context, sql string, rows [][]interface{}) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(sql, row...)
	}

	results := t.tx.SendBatch(ctx, batch)
	counts := make([]int64, 0, len(rows))
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return counts, err
		}

		counts = append(counts, tag.RowsAffected())
	}

	return counts, results.Close()
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return err
	}

	return nil
}
