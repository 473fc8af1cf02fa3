package sink_test

import (
	"context"
	"sync"

	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/metadata"
	"github.com/lawrencejones/pgshift/pkg/record"
)

var (
	provider = metadata.Static{
		"example": []metadata.Column{{Name: "id", Key: true}, {Name: "msg"}},
	}

	// insert into example (id, msg) values (1, 'a');
	fixtureInsertA = record.Build(
		record.Build.WithTable("example"),
		record.Build.WithLSN(1),
		record.Build.WithKey("id", 1),
		record.Build.WithColumn("msg", "a"),
	)
	// insert into example (id, msg) values (2, 'b');
	fixtureInsertB = record.Build(
		record.Build.WithTable("example"),
		record.Build.WithLSN(2),
		record.Build.WithKey("id", 2),
		record.Build.WithColumn("msg", "b"),
	)
	// update example set msg = 'b' where id = 1;
	fixtureUpdateA = record.Build(
		record.Build.WithKind(record.Update),
		record.Build.WithBase(fixtureInsertA),
		record.Build.WithLSN(3),
		record.Build.WithKey("id", 1),
		record.Build.WithUpdate("msg", "a", "b"),
	)
	// delete from example where id = 2;
	fixtureDeleteB = record.Build(
		record.Build.WithKind(record.Delete),
		record.Build.WithTable("example"),
		record.Build.WithLSN(4),
		record.Build.WithKey("id", 2),
	)
)

func records(rs ...*record.ChangeRecord) []record.Record {
	result := []record.Record{}
	for _, r := range rs {
		result = append(result, r)
	}

	return result
}

func finished() record.Record {
	return &record.FinishedRecord{Position: record.FinishedPosition{}}
}

// fakeExecutor records statements, providing a hook that runs before each is executed
// to simulate failures or hangs.
type fakeExecutor struct {
	BeforeFunc func(ctx context.Context, sql string) error
	begins     int
	rollbacks  int
	committed  [][]string // statements of each committed transaction
	execs      []string   // statements run with Exec, rather than ExecBatch
	sync.Mutex
}

func (f *fakeExecutor) Fail(err error) func() {
	f.Lock()
	defer f.Unlock()

	f.BeforeFunc = func(context.Context, string) error { return err }
	return func() {
		f.Lock()
		defer f.Unlock()
		f.BeforeFunc = nil
	}
}

// FailTimes fails the first n statements with err, then succeeds
func (f *fakeExecutor) FailTimes(n int, err error) {
	f.Lock()
	defer f.Unlock()

	f.BeforeFunc = func(context.Context, string) error {
		if n > 0 {
			n--
			return err
		}

		return nil
	}
}

// Hang blocks every statement until its context is cancelled
func (f *fakeExecutor) Hang() {
	f.Lock()
	defer f.Unlock()

	f.BeforeFunc = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func (f *fakeExecutor) Begins() int {
	f.Lock()
	defer f.Unlock()
	return f.begins
}

func (f *fakeExecutor) Rollbacks() int {
	f.Lock()
	defer f.Unlock()
	return f.rollbacks
}

func (f *fakeExecutor) Committed() [][]string {
	f.Lock()
	defer f.Unlock()
	return append([][]string{}, f.committed...)
}

func (f *fakeExecutor) Execs() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string{}, f.execs...)
}

func (f *fakeExecutor) Begin(context.Context) (destination.Tx, error) {
	f.Lock()
	defer f.Unlock()

	f.begins++
	return &fakeTx{executor: f}, nil
}

type fakeTx struct {
	executor   *fakeExecutor
	statements []string
}

func (t *fakeTx) before(ctx context.Context, sql string) error {
	t.executor.Lock()
	before := t.executor.BeforeFunc
	t.executor.Unlock()

	if before != nil {
		return before(ctx, sql)
	}

	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, _ []interface{}) (int64, error) {
	if err := t.before(ctx, sql); err != nil {
		return 0, err
	}

	t.executor.Lock()
	t.executor.execs = append(t.executor.execs, sql)
	t.executor.Unlock()

	t.statements = append(t.statements, sql)
	return 1, nil
}

func (t *fakeTx) ExecBatch(ctx context.Context, sql string, rows [][]interface{}) ([]int64, error) {
	if err := t.before(ctx, sql); err != nil {
		return nil, err
	}

	t.statements = append(t.statements, sql)
	counts := make([]int64, len(rows))
	for idx := range counts {
		counts[idx] = 1
	}

	return counts, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.executor.Lock()
	defer t.executor.Unlock()

	t.executor.committed = append(t.executor.committed, t.statements)
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.executor.Lock()
	defer t.executor.Unlock()

	t.executor.rollbacks++
	return nil
}
