package destination

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/davecgh/go-spew/spew"
)

var _ Executor = &DryRun{}

// DryRun prints statements instead of executing them, reporting that each affected
// exactly one row.
type DryRun struct {
	out io.Writer
	sync.Mutex
}

func NewDryRun(out io.Writer) *DryRun {
	return &DryRun{out: out}
}

func (d *DryRun) Begin(context.Context) (Tx, error) {
	d.print("begin")
	return &dryRunTx{d}, nil
}

func (d *DryRun) print(format string, args ...interface{}) {
	d.Lock()
	defer d.Unlock()

	fmt.Fprintf(d.out, format+"\n", args...)
}

type dryRunTx struct {
	*DryRun
}

func (t *dryRunTx) Exec(_ context.Context, sql string, args []interface{}) (int64, error) {
	t.print("%s\n%s", sql, spew.Sdump(args))
	return 1, nil
}

func (t *dryRunTx) ExecBatch(_ context.Context, sql string, rows [][]interface{}) ([]int64, error) {
	t.print("%s\n%s", sql, spew.Sdump(rows))
	counts := make([]int64, len(rows))
	for idx := range counts {
		counts[idx] = 1
	}

	return counts, nil
}

func (t *dryRunTx) Commit(context.Context) error {
	t.print("commit")
	return nil
}

func (t *dryRunTx) Rollback(context.Context) error {
	t.print("rollback")
	return nil
}
