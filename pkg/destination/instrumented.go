package destination

import (
	"context"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
)

var (
	destinationExecDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgshift_destination_exec_duration_seconds",
			Help:    "Distribution of time spent executing statements against the destination",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms -> 32s
		},
		[]string{"destination", "method"},
	)
	destinationExecBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgshift_destination_exec_batch_size",
			Help:    "Distribution of rows per batch execution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1 -> 8192
		},
		[]string{"destination"},
	)
)

type instrumentedExecutor struct {
	Executor
	logger      kitlog.Logger
	destination string
}

// NewInstrumentedExecutor wraps an executor, causing every statement to be logged at
// debug level, capture batch size and duration in metrics, and create new spans.
func NewInstrumentedExecutor(logger kitlog.Logger, destination string, executor Executor) Executor {
	return &instrumentedExecutor{
		Executor:    executor,
		logger:      kitlog.With(logger, "destination", destination),
		destination: destination,
	}
}

func (i *instrumentedExecutor) Begin(ctx context.Context) (Tx, error) {
	tx, err := i.Executor.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &instrumentedTx{Tx: tx, logger: i.logger, destination: i.destination}, nil
}

type instrumentedTx struct {
	Tx
	logger      kitlog.Logger
	destination string
}

func (t *instrumentedTx) observe(method string, fn func(float64)) *prometheus.Timer {
	observer := destinationExecDurationSeconds.WithLabelValues(t.destination, method)
	return prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		fn(v)
		observer.Observe(v)
	}))
}

func (t *instrumentedTx) Exec(ctx context.Context, sql string, args []interface{}) (count int64, err error) {
	ctx, span := trace.StartSpan(ctx, "pkg/destination.Tx.Exec")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("sql", sql))

	defer t.observe("exec", func(v float64) {
		level.Debug(t.logger).Log("event", "exec", "duration", v, "sql", sql, "count", count, "error", err)
	}).ObserveDuration()

	return t.Tx.Exec(ctx, sql, args)
}

func (t *instrumentedTx) ExecBatch(ctx context.Context, sql string, rows [][]interface{}) (counts []int64, err error) {
	ctx, span := trace.StartSpan(ctx, "pkg/destination.Tx.ExecBatch")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("sql", sql),
		trace.Int64Attribute("batch_size", int64(len(rows))),
	)

	destinationExecBatchSize.WithLabelValues(t.destination).Observe(float64(len(rows)))
	defer t.observe("exec_batch", func(v float64) {
		level.Debug(t.logger).Log("event", "exec_batch", "duration", v, "sql", sql, "batch_size", len(rows), "error", err)
	}).ObserveDuration()

	return t.Tx.ExecBatch(ctx, sql, rows)
}

func (t *instrumentedTx) Commit(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "pkg/destination.Tx.Commit")
	defer span.End()

	defer t.observe("commit", func(v float64) {
		level.Debug(t.logger).Log("event", "commit", "duration", v, "error", err)
	}).ObserveDuration()

	return t.Tx.Commit(ctx)
}
