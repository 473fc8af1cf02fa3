package sink_test

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/lawrencejones/pgshift/pkg/channel"
	"github.com/lawrencejones/pgshift/pkg/dbtest"
	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/metadata"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/sink"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"
	"github.com/lawrencejones/pgshift/pkg/tracker"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Sink", func() {
	var (
		ctx       context.Context
		cancel    func()
		ch        *channel.Memory
		executor  *fakeExecutor
		positions *tracker.Memory
		opts      sink.Options
	)

	lsn := func(v uint64) record.Position { return record.Build(record.Build.WithLSN(v)).Position }

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		ch = channel.NewMemory(channel.Options{Capacity: 100}, nil)
		executor = &fakeExecutor{}
		positions = tracker.NewMemory()
		opts = sink.Options{
			BatchSize:    100,
			FetchTimeout: 10 * time.Millisecond,
			RetryTimes:   3,
			RetryBackoff: time.Millisecond,
		}
	})

	AfterEach(func() {
		cancel()
	})

	build := func() *sink.Sink {
		s, err := sink.New(logger, ch, executor, sqlbuilder.New(sqlbuilder.Postgres, provider), positions, opts)
		Expect(err).NotTo(HaveOccurred())

		return s
	}

	// start runs the sink in the background, returning a channel that receives the
	// result of Run
	start := func(s *sink.Sink) chan error {
		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- s.Run(ctx)
		}()

		return done
	}

	push := func(rs ...record.Record) {
		Expect(ch.Push(ctx, rs)).To(Succeed())
	}

	It("applies a batch in one transaction and reports the highest position", func() {
		push(records(fixtureInsertA, fixtureInsertB, fixtureUpdateA, fixtureDeleteB)...)

		s := build()
		done := start(s)

		Eventually(positions.History).Should(Equal([]record.Position{lsn(4)}))
		Expect(executor.Committed()).To(ConsistOf(
			ConsistOf(
				HavePrefix(`insert into "example"`),
				HavePrefix(`delete from "example"`),
			),
		))

		s.Close()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("stops once it receives a finished record", func() {
		push(append(records(fixtureInsertA), finished())...)

		Expect(build().Run(ctx)).To(Succeed())
		Expect(positions.History()).To(Equal([]record.Position{record.FinishedPosition{}}))
	})

	It("stops when the channel is closed", func() {
		ch.Close()
		Expect(build().Run(ctx)).To(Succeed())
	})

	It("never reports a position below one already saved", func() {
		opts.BatchSize = 1
		late := record.Build(
			record.Build.WithBase(fixtureInsertB),
			record.Build.WithLSN(3),
		)

		push(
			record.Build(record.Build.WithBase(fixtureInsertA), record.Build.WithLSN(5)),
			late,
			finished(),
		)

		Expect(build().Run(ctx)).To(Succeed())
		Expect(positions.History()).To(Equal([]record.Position{lsn(5), record.FinishedPosition{}}))
		Expect(executor.Committed()).To(HaveLen(2))
	})

	Describe("retries", func() {
		It("retries transient failures with exponential backoff", func() {
			opts.RetryBackoff = 20 * time.Millisecond
			executor.FailTimes(2, driver.ErrBadConn)
			push(append(records(fixtureInsertA), finished())...)

			start := time.Now()
			Expect(build().Run(ctx)).To(Succeed())

			// 20ms before the first retry, 40ms before the second
			Expect(time.Since(start)).To(BeNumerically(">=", 60*time.Millisecond))
			Expect(executor.Begins()).To(Equal(3))
			Expect(executor.Rollbacks()).To(Equal(2))
			Expect(executor.Committed()).To(HaveLen(1))
			Expect(positions.History()).To(Equal([]record.Position{record.FinishedPosition{}}))
		})

		It("fails with ErrWriteFailed once retries are exhausted", func() {
			opts.RetryTimes = 2
			executor.Fail(driver.ErrBadConn)
			push(records(fixtureInsertA)...)

			s := build()
			err := s.Run(ctx)

			Expect(errors.Is(err, sink.ErrWriteFailed)).To(BeTrue(), "expected ErrWriteFailed, got %v", err)
			Expect(executor.Begins()).To(Equal(3))
			Expect(executor.Committed()).To(BeEmpty())
			Expect(positions.History()).To(BeEmpty())
			Expect(s.State()).To(Equal(sink.Failed))
		})

		It("does not retry errors that can't succeed on retry", func() {
			executor.Fail(errors.New(`syntax error at or near "insert"`))
			push(records(fixtureInsertA)...)

			err := build().Run(ctx)

			Expect(err).To(MatchError(ContainSubstring("syntax error")))
			Expect(errors.Is(err, sink.ErrWriteFailed)).To(BeFalse())
			Expect(executor.Begins()).To(Equal(1))
			Expect(executor.Rollbacks()).To(Equal(1))
		})

		It("rejects invalid records before beginning a transaction", func() {
			// update example set where id = 1;
			push(record.Build(
				record.Build.WithKind(record.Update),
				record.Build.WithTable("example"),
				record.Build.WithKey("id", 1),
			))

			s := build()
			err := s.Run(ctx)

			Expect(errors.Is(err, sink.ErrInvalidRecord)).To(BeTrue(), "expected ErrInvalidRecord, got %v", err)
			Expect(err).To(MatchError(ContainSubstring("update of example sets no columns")))
			Expect(executor.Begins()).To(BeZero())
			Expect(positions.History()).To(BeEmpty())
			Expect(s.State()).To(Equal(sink.Failed))
		})

		It("does not retry tables we have no metadata for", func() {
			push(record.Build(
				record.Build.WithTable("unknown"),
				record.Build.WithKey("id", 1),
			))

			err := build().Run(ctx)

			Expect(errors.Is(err, sqlbuilder.ErrMissingMetadata)).To(BeTrue(), "expected ErrMissingMetadata, got %v", err)
			Expect(executor.Begins()).To(Equal(1))
		})
	})

	Describe("Close", func() {
		It("rolls back an in-flight flush without reporting its position", func() {
			executor.Hang()
			push(records(fixtureInsertA)...)

			s := build()
			done := start(s)

			Eventually(s.State).Should(Equal(sink.Flushing))
			s.Close()

			Eventually(done).Should(Receive(BeNil()))
			Expect(executor.Rollbacks()).To(Equal(1))
			Expect(executor.Committed()).To(BeEmpty())
			Expect(positions.History()).To(BeEmpty())
		})

		It("interrupts a sink waiting on the channel", func() {
			opts.FetchTimeout = time.Minute

			s := build()
			done := start(s)

			Eventually(s.State).Should(Equal(sink.Fetching))
			s.Close()

			Eventually(done).Should(Receive(BeNil()))
		})

		It("returns immediately if closed before running", func() {
			s := build()
			s.Close()

			Expect(s.Run(ctx)).To(Succeed())
			Expect(executor.Begins()).To(Equal(0))
		})
	})

	Describe("rate limits", func() {
		It("limits how often groups of each kind are applied", func() {
			opts.BatchSize = 1
			opts.RateLimit = sink.RateLimitOptions{Insert: 20, Burst: 1}
			push(append(records(fixtureInsertA, fixtureInsertB, fixtureInsertA), finished())...)

			start := time.Now()
			Expect(build().Run(ctx)).To(Succeed())

			// The first insert spends the burst, each later one waits 50ms
			Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
			Expect(executor.Committed()).To(HaveLen(3))
		})
	})

	Describe("sequential execution", func() {
		It("executes each record of a sequential kind on its own", func() {
			opts.Sequential = []string{"insert"}
			push(append(records(fixtureInsertA, fixtureInsertB), finished())...)

			Expect(build().Run(ctx)).To(Succeed())
			Expect(executor.Execs()).To(HaveLen(2))
		})

		It("does not conflate when every kind is sequential", func() {
			opts.Sequential = []string{"insert", "update", "delete"}
			push(append(records(fixtureInsertA, fixtureUpdateA), finished())...)

			Expect(build().Run(ctx)).To(Succeed())
			Expect(executor.Execs()).To(ConsistOf(
				HavePrefix(`insert into "example"`),
				HavePrefix(`update "example"`),
			))
		})

		It("rejects unknown kinds", func() {
			opts.Sequential = []string{"truncate"}

			_, err := sink.New(logger, ch, executor, sqlbuilder.New(sqlbuilder.Postgres, provider), positions, opts)
			Expect(err).To(MatchError(ContainSubstring("truncate")))
		})
	})

	It("describes its state", func() {
		Expect(sink.Retrying.String()).To(Equal("retrying"))
		Expect(build().State()).To(Equal(sink.Idle))
	})
})

var _ = Describe("Sink with SQLite", func() {
	type row struct {
		ID  int    `db:"id"`
		Msg string `db:"msg"`
	}

	var (
		ctx       context.Context
		cancel    func()
		ch        *channel.Memory
		positions *tracker.Memory
		opts      sink.Options
		output    *bytes.Buffer
		db        = dbtest.Configure(
			dbtest.WithTable("example", "id integer primary key", "msg text", "email text unique"),
			dbtest.WithRows("example", []string{"id", "msg", "email"}, []interface{}{10, "existing", "existing@example.com"}),
		)
	)

	BeforeEach(func() {
		ctx, cancel = db.Setup(context.Background(), 10*time.Second)
		ch = channel.NewMemory(channel.Options{Capacity: 100}, nil)
		positions = tracker.NewMemory()
		output = new(bytes.Buffer)
		opts = sink.Options{BatchSize: 100, FetchTimeout: 10 * time.Millisecond, RetryTimes: 1}
	})

	AfterEach(func() {
		cancel()
	})

	run := func(rs ...record.Record) error {
		Expect(ch.Push(ctx, append(rs, finished()))).To(Succeed())

		builder := sqlbuilder.New(sqlbuilder.SQLite, metadata.NewCached(metadata.NewSQL(db.GetDBx())))
		s, err := sink.New(
			kitlog.NewLogfmtLogger(output), ch, destination.NewSQL(db.GetDBx()), builder, positions, opts,
		)
		Expect(err).NotTo(HaveOccurred())

		return s.Run(ctx)
	}

	rows := func() []row {
		var rows []row
		db.MustSelect(ctx, &rows, `select id, msg from example order by id;`)
		return rows
	}

	It("applies an insert and its later update as a single row", func() {
		Expect(run(records(fixtureInsertA, fixtureUpdateA)...)).To(Succeed())
		Expect(rows()).To(Equal([]row{{1, "b"}, {10, "existing"}}))
		Expect(positions.History()).To(Equal([]record.Position{record.FinishedPosition{}}))
	})

	It("applies deletes", func() {
		Expect(run(records(fixtureInsertB, fixtureDeleteB)...)).To(Succeed())
		Expect(rows()).To(Equal([]row{{10, "existing"}}))
	})

	It("warns, but continues, when a delete matches no rows", func() {
		Expect(run(records(fixtureDeleteB)...)).To(Succeed())
		Expect(output.String()).To(ContainSubstring("event=row_count_mismatch"))
		Expect(positions.History()).To(Equal([]record.Position{record.FinishedPosition{}}))
	})

	It("overwrites rows when an insert is delivered twice", func() {
		opts.BatchSize = 1
		Expect(run(records(fixtureInsertA, fixtureInsertA)...)).To(Succeed())
		Expect(rows()).To(Equal([]row{{1, "a"}, {10, "existing"}}))
	})

	It("updates rows by their old key when the key changes", func() {
		rekey := record.Build(
			record.Build.WithKind(record.Update),
			record.Build.WithTable("example"),
			record.Build.WithKey("id", 10),
			record.Build.WithColumn("msg", "existing"),
			record.Build.WithUpdate("id", 10, 11),
		)

		Expect(run(rekey)).To(Succeed())
		Expect(rows()).To(Equal([]row{{11, "existing"}}))
	})

	It("skips sequential inserts that violate a unique key", func() {
		opts.Sequential = []string{"insert"}
		duplicate := record.Build(
			record.Build.WithTable("example"),
			record.Build.WithKey("id", 2),
			record.Build.WithColumn("msg", "duplicate"),
			record.Build.WithColumn("email", "existing@example.com"),
		)

		Expect(run(duplicate, fixtureInsertA)).To(Succeed())
		Expect(rows()).To(Equal([]row{{1, "a"}, {10, "existing"}}))
		Expect(output.String()).To(ContainSubstring("event=skip_duplicate_insert"))
	})

	It("fails batched inserts that violate a unique key", func() {
		duplicate := record.Build(
			record.Build.WithTable("example"),
			record.Build.WithKey("id", 2),
			record.Build.WithColumn("email", "existing@example.com"),
		)

		Expect(run(duplicate, fixtureInsertA)).To(MatchError(ContainSubstring("failed to apply changes")))
		Expect(rows()).To(Equal([]row{{10, "existing"}}))
		Expect(positions.History()).To(BeEmpty())
	})
})
