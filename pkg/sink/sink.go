// Applies records from a channel to the destination. Each flush cycle fetches a batch,
// conflates it into groups, and applies every group inside one transaction. Transient
// failures retry the whole cycle with exponential backoff.
//
// Records are delivered at-least-once, so everything the sink does must tolerate being
// applied twice: inserts overwrite existing rows, and updates or deletes that match no
// rows are logged rather than failing.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lawrencejones/pgshift/internal/telem"
	"github.com/lawrencejones/pgshift/pkg/channel"
	"github.com/lawrencejones/pgshift/pkg/conflate"
	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"
	"github.com/lawrencejones/pgshift/pkg/tracker"

	"github.com/cenkalti/backoff/v4"
	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
	"golang.org/x/time/rate"
)

// ErrWriteFailed is returned once a flush has failed more times than we're willing to
// retry. The job can't make progress, and should stop.
var ErrWriteFailed = errors.New("failed to write to destination")

// ErrInvalidRecord is returned for records that break the rules of their kind, such as an
// update that sets no columns. Retrying can't fix them.
var ErrInvalidRecord = errors.New("invalid record")

// maxRetryDelay caps the exponential backoff between retries
const maxRetryDelay = 5 * time.Minute

// rollbackTimeout bounds rollbacks, which run even when the sink has been cancelled
const rollbackTimeout = 10 * time.Second

var (
	sinkFlushDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgshift_sink_flush_duration_seconds",
			Help:    "Distribution of time taken to apply and commit each flush cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms -> 131s
		},
	)
	sinkFlushRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgshift_sink_flush_retries_total",
			Help: "Number of times a flush cycle was retried after a transient failure",
		},
	)
	sinkRecordsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_sink_records_applied_total",
			Help: "Total number of change records committed to the destination, by kind",
		},
		[]string{"kind"},
	)
	sinkRowCountMismatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_sink_row_count_mismatch_total",
			Help: "Updates or deletes that affected other than exactly one row, by kind",
		},
		[]string{"kind"},
	)
)

// State is the stage of the flush cycle the sink is in
type State int

const (
	Idle State = iota
	Fetching
	Flushing
	Committed
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Flushing:
		return "flushing"
	case Committed:
		return "committed"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("unknown(%d)", int(s))
}

type Sink struct {
	logger     kitlog.Logger
	channel    channel.Channel
	executor   destination.Executor
	builder    *sqlbuilder.Builder
	tracker    tracker.Tracker // nil when someone else reports progress, see channel.Multiplex
	limiters   map[record.Kind]*rate.Limiter
	sequential map[record.Kind]bool
	opts       Options

	state     State
	highWater record.Position // highest position saved to the tracker
	cancel    func()
	closed    bool
	sync.Mutex
}

// New creates a sink applying records from ch. The tracker may be nil, in which case
// progress is only reported by acknowledging the channel.
func New(logger kitlog.Logger, ch channel.Channel, executor destination.Executor, builder *sqlbuilder.Builder, t tracker.Tracker, opts Options) (*Sink, error) {
	sequential, err := opts.sequential()
	if err != nil {
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	return &Sink{
		logger:     kitlog.With(logger, "component", "sink"),
		channel:    ch,
		executor:   executor,
		builder:    builder,
		tracker:    t,
		limiters:   opts.RateLimit.limiters(),
		sequential: sequential,
		opts:       opts,
	}, nil
}

func (s *Sink) State() State {
	s.Lock()
	defer s.Unlock()

	return s.state
}

func (s *Sink) setState(state State) {
	s.Lock()
	defer s.Unlock()

	s.state = state
}

// Close interrupts the sink, cancelling any in-flight statement and any wait on the
// channel. The current flush is rolled back and its position never reported.
func (s *Sink) Close() {
	s.Lock()
	defer s.Unlock()

	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run applies records until the channel delivers a FinishedRecord, the channel is
// closed, or the sink is cancelled, all of which return nil. Any error is fatal.
func (s *Sink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.cancel = cancel
	s.Unlock()

	for {
		s.setState(Idle)
		if ctx.Err() != nil {
			return nil
		}

		s.setState(Fetching)
		records, err := s.channel.Fetch(ctx, s.opts.BatchSize, s.opts.FetchTimeout)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				s.logger.Log("event", "stop", "msg", "channel closed or sink cancelled", "error", err)
				return nil
			}

			s.setState(Failed)
			return pkgerrors.Wrap(err, "failed to fetch from channel")
		}

		if len(records) == 0 {
			continue
		}

		changes, finished := split(records)
		if err := s.flush(ctx, changes, highest(records)); err != nil {
			if ctx.Err() != nil {
				s.logger.Log("event", "stop", "msg", "cancelled mid-flush, rolled back")
				return nil
			}

			s.setState(Failed)
			return err
		}

		if finished {
			s.logger.Log("event", "finished", "msg", "received finished record, stopping")
			return nil
		}
	}
}

// split separates change records from the finished marker, which can only ever be the
// last record of a fetch.
func split(records []record.Record) (changes []*record.ChangeRecord, finished bool) {
	for _, r := range records {
		switch r := r.(type) {
		case *record.ChangeRecord:
			changes = append(changes, r)
		case *record.FinishedRecord:
			finished = true
		}
	}

	return changes, finished
}

func highest(records []record.Record) record.Position {
	var position record.Position
	for _, r := range records {
		position = record.Max(position, r.GetPosition())
	}

	return position
}

// flush applies the changes with retries, then acknowledges the channel and reports the
// position. We never report a position before the transaction has committed.
func (s *Sink) flush(ctx context.Context, changes []*record.ChangeRecord, position record.Position) (err error) {
	ctx, span, logger := telem.StartSpan(telem.WithLogger(ctx, s.logger), "pkg/sink.Sink.flush")
	defer span.End()
	span.AddAttributes(
		trace.Int64Attribute("count", int64(len(changes))),
		trace.StringAttribute("position", fmt.Sprintf("%v", position)),
	)

	logger = kitlog.With(logger, "position", position)
	ctx = telem.WithLogger(ctx, logger)

	defer prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		logger.Log("event", "flush", "count", len(changes), "duration", v, "error", err)
		sinkFlushDurationSeconds.Observe(v)
	})).ObserveDuration()

	for _, r := range changes {
		if err := r.Validate(); err != nil {
			return pkgerrors.Wrapf(ErrInvalidRecord, "%s at %v", err, r.Position)
		}
	}

	if len(changes) > 0 {
		if err := s.applyWithRetry(ctx, logger, s.conflate(changes)); err != nil {
			return err
		}

		for _, r := range changes {
			sinkRecordsAppliedTotal.WithLabelValues(r.Kind.String()).Inc()
		}
	}

	s.setState(Committed)
	if err := s.channel.Ack(ctx); err != nil {
		return pkgerrors.Wrap(err, "failed to acknowledge channel")
	}

	return s.report(ctx, position)
}

// conflate groups changes for application. If every kind must be applied sequentially,
// we don't even merge changes, giving the most conservative execution we can.
func (s *Sink) conflate(changes []*record.ChangeRecord) []conflate.Group {
	if len(s.sequential) == len(record.Kinds) {
		return conflate.Sequential(changes)
	}

	return conflate.Conflate(changes)
}

// report saves the position if it is beyond anything we've saved before. Positions that
// go backwards are ignored, as they're already covered by what we've reported.
func (s *Sink) report(ctx context.Context, position record.Position) error {
	if s.tracker == nil || position == nil {
		return nil
	}

	if s.highWater != nil && position.Compare(s.highWater) <= 0 {
		return nil
	}

	if err := s.tracker.Save(ctx, position); err != nil {
		return pkgerrors.Wrap(err, "failed to save position")
	}

	s.highWater = position
	return nil
}

func (s *Sink) applyWithRetry(ctx context.Context, logger kitlog.Logger, groups []conflate.Group) error {
	var (
		err    error
		delays = newBackoff(s.opts.RetryBackoff)
	)

	for attempt := 0; attempt <= s.opts.RetryTimes; attempt++ {
		if attempt > 0 {
			s.setState(Retrying)
			sinkFlushRetriesTotal.Inc()

			delay := delays.NextBackOff()
			logger.Log("event", "retry", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		s.setState(Flushing)
		err = s.apply(ctx, groups)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, sqlbuilder.ErrMissingMetadata) || !destination.IsRetryable(err) {
			return pkgerrors.Wrap(err, "failed to apply changes")
		}
	}

	return pkgerrors.Wrapf(ErrWriteFailed, "gave up after %d attempts: %v", s.opts.RetryTimes+1, err)
}

// newBackoff starts at base and doubles for each retry, up to maxRetryDelay. There is no
// jitter, and it never gives up: RetryTimes bounds the attempts instead.
func newBackoff(base time.Duration) *backoff.ExponentialBackOff {
	if base < 0 {
		base = 0
	}
	if base > maxRetryDelay {
		base = maxRetryDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// apply runs every group inside one transaction, rolling back if any fails
func (s *Sink) apply(ctx context.Context, groups []conflate.Group) (err error) {
	ctx, span, logger := telem.StartSpan(ctx, "pkg/sink.Sink.apply")
	defer span.End()

	tx, err := s.executor.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if err == nil {
			return
		}

		rollbackCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()

		if rollbackErr := tx.Rollback(rollbackCtx); rollbackErr != nil {
			logger.Log("event", "rollback_failed", "error", rollbackErr)
		}
	}()

	for _, group := range groups {
		if limiter, ok := s.limiters[group.Kind]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if s.sequential[group.Kind] {
			err = s.applySequential(ctx, logger, tx, group)
		} else {
			err = s.applyGroup(ctx, logger, tx, group)
		}

		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pkgerrors.Wrap(err, "failed to commit")
	}

	return nil
}

func (s *Sink) queryContext(ctx context.Context) (context.Context, func()) {
	if s.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.QueryTimeout)
	}

	return ctx, func() {}
}

// applyGroup executes inserts and deletes as a single batch, as they share one
// statement. Updates may each set different columns, so are executed one at a time.
func (s *Sink) applyGroup(ctx context.Context, logger kitlog.Logger, tx destination.Tx, group conflate.Group) error {
	if group.Kind == record.Update {
		for _, r := range group.Records {
			if err := s.exec(ctx, logger, tx, r); err != nil {
				return err
			}
		}

		return nil
	}

	stmt, err := s.builder.Build(ctx, group.Records[0])
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(group.Records))
	for _, r := range group.Records {
		args, err := stmt.Bind(r)
		if err != nil {
			return err
		}

		rows = append(rows, args)
	}

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	counts, err := tx.ExecBatch(queryCtx, stmt.SQL, rows)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to execute %s batch on %s", group.Kind, group.Table)
	}

	if group.Kind == record.Delete {
		for idx, count := range counts {
			s.checkCount(logger, group.Records[idx], count)
		}
	}

	return nil
}

// applySequential executes each record on its own. Inserts that violate a unique key
// are assumed to be re-deliveries of rows we've already inserted, and are skipped.
func (s *Sink) applySequential(ctx context.Context, logger kitlog.Logger, tx destination.Tx, group conflate.Group) error {
	for _, r := range group.Records {
		err := s.exec(ctx, logger, tx, r)
		if err != nil && r.Kind == record.Insert && destination.IsIntegrityViolation(err) {
			logger.Log("event", "skip_duplicate_insert", "record", r.String())
			continue
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Sink) exec(ctx context.Context, logger kitlog.Logger, tx destination.Tx, r *record.ChangeRecord) error {
	stmt, err := s.builder.Build(ctx, r)
	if err != nil {
		return err
	}

	args, err := stmt.Bind(r)
	if err != nil {
		return err
	}

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	count, err := tx.Exec(queryCtx, stmt.SQL, args)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to execute %s on %s", r.Kind, r.Table)
	}

	if r.Kind != record.Insert {
		s.checkCount(logger, r, count)
	}

	return nil
}

// checkCount warns when an update or delete didn't affect exactly one row. Replaying
// changes after a restart legitimately produces this, so it isn't an error.
func (s *Sink) checkCount(logger kitlog.Logger, r *record.ChangeRecord, count int64) {
	if count == 1 {
		return
	}

	sinkRowCountMismatchTotal.WithLabelValues(r.Kind.String()).Inc()
	level.Warn(logger).Log("event", "row_count_mismatch", "msg", "expected to affect exactly one row",
		"kind", r.Kind, "table", r.Table, "key", fmt.Sprintf("%v", r.KeyValues()), "affected", count)
}
