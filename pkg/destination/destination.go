// Executes statements against the store we are migrating into. Each flush of the sink
// runs inside a single Tx, which is committed or rolled back as a whole.
package destination

import "context"

type Executor interface {
	Begin(context.Context) (Tx, error)
}

// Tx is a destination transaction. Implementations must interrupt any in-flight
// statement when the context passed to it is cancelled.
type Tx interface {
	// Exec runs a single statement, returning the number of rows it affected
	Exec(ctx context.Context, sql string, args []interface{}) (int64, error)
	// ExecBatch runs the same statement once per row of arguments, returning the rows
	// affected by each execution
	ExecBatch(ctx context.Context, sql string, rows [][]interface{}) ([]int64, error)
	Commit(context.Context) error
	Rollback(context.Context) error
}
