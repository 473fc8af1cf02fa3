// Inventory dumps copy the rows that existed before change capture began. Tables are
// paged in key order, with each row pushed as an INSERT whose position is the key of
// that row, so an interrupted dump resumes after the last row that was applied.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/lawrencejones/pgshift/internal/telem"
	"github.com/lawrencejones/pgshift/pkg/channel"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"

	"github.com/alecthomas/kingpin"
	kitlog "github.com/go-kit/kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
	"golang.org/x/time/rate"
)

type Options struct {
	BatchSize int     // rows read per page
	RateLimit float64 // max pages per second, zero for unlimited
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sbatch-size", prefix), "Rows read from the source per page").Default("1000").IntVar(&opt.BatchSize)
	cmd.Flag(fmt.Sprintf("%srate-limit", prefix), "Max pages read per second, 0 for unlimited").Default("0").Float64Var(&opt.RateLimit)

	return opt
}

// Source is satisfied by *sqlx.DB and *sqlx.Tx
type Source interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

var (
	dumperRowsReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_inventory_rows_read_total",
			Help: "Total number of rows read from the source by inventory dumps, labelled per-table",
		},
		[]string{"table"},
	)
	dumperPageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgshift_inventory_page_duration_seconds",
			Help:    "Distribution of time taken to read and push each page of rows",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms -> 41s
		},
		[]string{"table"},
	)
)

// Dumper reads a single table. The builder must describe the source, not the
// destination, as it produces the page queries.
type Dumper struct {
	logger  kitlog.Logger
	source  Source
	builder *sqlbuilder.Builder
	pusher  channel.Pusher
	table   string
	limiter *rate.Limiter
	opts    Options
}

func NewDumper(logger kitlog.Logger, source Source, builder *sqlbuilder.Builder, pusher channel.Pusher, table string, opts Options) *Dumper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Dumper{
		logger:  kitlog.With(logger, "component", "dumper", "table", table),
		source:  source,
		builder: builder,
		pusher:  pusher,
		table:   table,
		limiter: limiter,
		opts:    opts,
	}
}

// Dump pushes every row after the from position, followed by a FinishedRecord. A from
// position that is already finished pushes only the FinishedRecord, so consumers still
// stop.
func (d *Dumper) Dump(ctx context.Context, from record.Position) error {
	var begin []interface{}
	switch from := from.(type) {
	case record.FinishedPosition:
		d.logger.Log("event", "skip", "msg", "table already dumped")
		return d.finish(ctx)
	case record.PrimaryKeyPosition:
		begin = from.Begin
	}

	keys, err := d.builder.Keys(ctx, d.table)
	if err != nil {
		return errors.Wrap(err, "failed to describe table")
	}

	if len(keys) == 0 {
		d.logger.Log("event", "dump_unkeyed", "msg", "table has no key, dumping without resume points")
		if _, _, err := d.page(ctx, nil); err != nil {
			return err
		}

		return d.finish(ctx)
	}

	if len(begin) > 0 && len(begin) != len(keys) {
		return fmt.Errorf("resume position has %d key values but table has %d key columns", len(begin), len(keys))
	}

	d.logger.Log("event", "dump", "keys", strings.Join(keys, ","), "begin", fmt.Sprint(begin))
	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		count, last, err := d.page(ctx, begin)
		if err != nil {
			return err
		}

		if count < d.opts.BatchSize {
			break
		}

		begin = last
	}

	return d.finish(ctx)
}

func (d *Dumper) finish(ctx context.Context) error {
	d.logger.Log("event", "finished", "msg", "pushing finished record")
	return d.pusher.Push(ctx, []record.Record{
		&record.FinishedRecord{Position: record.FinishedPosition{}},
	})
}

// page reads rows after begin, pushing them to the channel. It returns how many rows
// it read and the key tuple of the last. Without keys it reads the whole table.
func (d *Dumper) page(ctx context.Context, begin []interface{}) (count int, last []interface{}, err error) {
	ctx, span, logger := telem.StartSpan(telem.WithLogger(ctx, d.logger), "pkg/inventory.Dumper.page")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("table", d.table),
		trace.StringAttribute("begin", fmt.Sprint(begin)),
	)

	defer prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		logger.Log("event", "page", "begin", fmt.Sprint(begin), "count", count, "duration", v, "error", err)
		dumperPageDurationSeconds.WithLabelValues(d.table).Observe(v)
	})).ObserveDuration()

	query, err := d.builder.BuildPageQuery(ctx, d.table, len(begin) > 0, false, d.opts.BatchSize)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build page query")
	}

	args := append([]interface{}{}, begin...)

	rows, err := d.source.QueryxContext(ctx, query.SQL, args...)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to query table")
	}

	defer rows.Close()

	// Position of each key column in the tuple
	keyIndex := map[string]int{}
	for idx, key := range query.Keys {
		keyIndex[key] = idx
	}

	var (
		records  = []record.Record{}
		rowsRead = dumperRowsReadTotal.WithLabelValues(d.table)
	)

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to scan row")
		}

		r := &record.ChangeRecord{
			Kind:     record.Insert,
			Table:    d.table,
			Columns:  make([]record.Column, 0, len(values)),
			Position: record.PlaceholderPosition{},
		}

		tuple := make([]interface{}, len(query.Keys))
		for idx, value := range values {
			column := query.Columns[idx]
			keyIdx, isKey := keyIndex[column]
			r.Columns = append(r.Columns, record.Column{Name: column, Value: value, Key: isKey})
			if isKey {
				tuple[keyIdx] = keyValue(value)
			}
		}

		if len(tuple) > 0 {
			last = tuple
			r.Position = record.PrimaryKeyPosition{Begin: tuple}
		}

		rowsRead.Inc()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return 0, nil, errors.Wrap(err, "failed reading rows")
	}

	// Release the cursor before we block on the channel
	if err := rows.Close(); err != nil {
		return 0, nil, errors.Wrap(err, "failed to close rows")
	}

	if err := d.pusher.Push(ctx, records); err != nil {
		return 0, nil, errors.Wrap(err, "failed to push rows")
	}

	return len(records), last, nil
}

// keyValue normalises scanned keys so positions can serialise them. Some drivers return
// text as bytes.
func keyValue(value interface{}) interface{} {
	if bytes, ok := value.([]byte); ok {
		return string(bytes)
	}

	return value
}
