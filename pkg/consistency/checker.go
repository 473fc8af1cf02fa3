// Consistency checks verify a migrated table by reading source and destination side by
// side in key order, reporting keys that are missing from either side or whose rows
// differ.
package consistency

import (
	"context"
	"fmt"
	"sort"

	"github.com/lawrencejones/pgshift/internal/telem"
	"github.com/lawrencejones/pgshift/pkg/inventory"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"

	"github.com/alecthomas/kingpin"
	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
	"golang.org/x/time/rate"
)

type Options struct {
	BatchSize     int     // rows read per page, on each side
	RateLimit     float64 // max pages per second on each side, zero for unlimited
	MaxMismatches int     // mismatches kept in the result, the rest are only counted
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sbatch-size", prefix), "Rows read per page when comparing tables").Default("1000").IntVar(&opt.BatchSize)
	cmd.Flag(fmt.Sprintf("%srate-limit", prefix), "Max pages read per second from each side, 0 for unlimited").Default("0").Float64Var(&opt.RateLimit)
	cmd.Flag(fmt.Sprintf("%smax-mismatches", prefix), "Mismatches reported per table").Default("100").IntVar(&opt.MaxMismatches)

	return opt
}

var (
	checkRowsReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_consistency_rows_read_total",
			Help: "Total number of rows read by consistency checks, labelled per-table and side",
		},
		[]string{"table", "side"},
	)
	checkMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_consistency_mismatches_total",
			Help: "Total number of mismatched rows found by consistency checks",
		},
		[]string{"table", "kind"},
	)
)

type MismatchKind string

const (
	Missing   MismatchKind = "missing"   // in the source, not the destination
	Extra     MismatchKind = "extra"     // in the destination, not the source
	Different MismatchKind = "different" // in both, with a column that differs
)

type Mismatch struct {
	Kind   MismatchKind
	Key    []interface{}
	Column string // first differing column, only for Different
}

type Result struct {
	Table         string
	SourceRows    int
	TargetRows    int
	Mismatches    []Mismatch // at most Options.MaxMismatches
	MismatchCount int
}

func (r *Result) Matched() bool {
	return r.MismatchCount == 0
}

// Side is one of the databases being compared. The builder must describe the database
// it is paired with.
type Side struct {
	Source  inventory.Source
	Builder *sqlbuilder.Builder
}

type Checker struct {
	logger kitlog.Logger
	source Side
	target Side
	opts   Options
}

func NewChecker(logger kitlog.Logger, source, target Side, opts Options) *Checker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	return &Checker{
		logger: kitlog.With(logger, "component", "consistency_checker"),
		source: source,
		target: target,
		opts:   opts,
	}
}

// Check compares every row of a table. Both sides must share the same key columns, and
// tables without a key can't be checked.
func (c *Checker) Check(ctx context.Context, table string) (result *Result, err error) {
	ctx, span, logger := telem.StartSpan(telem.WithLogger(ctx, kitlog.With(c.logger, "table", table)), "pkg/consistency.Checker.Check")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("table", table))

	result = &Result{Table: table, Mismatches: []Mismatch{}}
	defer prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		logger.Log("event", "check", "source_rows", result.SourceRows, "target_rows", result.TargetRows,
			"mismatches", result.MismatchCount, "duration", v, "error", err)
	})).ObserveDuration()

	sourceKeys, err := c.source.Builder.Keys(ctx, table)
	if err != nil {
		return result, errors.Wrap(err, "failed to describe source table")
	}
	targetKeys, err := c.target.Builder.Keys(ctx, table)
	if err != nil {
		return result, errors.Wrap(err, "failed to describe destination table")
	}

	if len(sourceKeys) == 0 {
		return result, fmt.Errorf("table %s has no key", table)
	}
	if fmt.Sprint(sourceKeys) != fmt.Sprint(targetKeys) {
		return result, fmt.Errorf("key columns differ: source has %v, destination has %v", sourceKeys, targetKeys)
	}

	source := c.cursor(c.source, table, "source")
	target := c.cursor(c.target, table, "destination")

	for {
		s, err := source.peek(ctx)
		if err != nil {
			return result, err
		}
		t, err := target.peek(ctx)
		if err != nil {
			return result, err
		}

		switch {
		case s == nil && t == nil:
			return result, nil
		case t == nil || (s != nil && record.CompareKeys(s.key, t.key) < 0):
			c.mismatch(logger, result, Mismatch{Kind: Missing, Key: s.key})
			result.SourceRows++
			source.next()
		case s == nil || record.CompareKeys(s.key, t.key) > 0:
			c.mismatch(logger, result, Mismatch{Kind: Extra, Key: t.key})
			result.TargetRows++
			target.next()
		default:
			if column := differs(s, t); column != "" {
				c.mismatch(logger, result, Mismatch{Kind: Different, Key: s.key, Column: column})
			}
			result.SourceRows++
			result.TargetRows++
			source.next()
			target.next()
		}
	}
}

func (c *Checker) mismatch(logger kitlog.Logger, result *Result, m Mismatch) {
	checkMismatchesTotal.WithLabelValues(result.Table, string(m.Kind)).Inc()

	result.MismatchCount++
	if len(result.Mismatches) < c.opts.MaxMismatches {
		result.Mismatches = append(result.Mismatches, m)
	}

	level.Debug(logger).Log("event", "mismatch", "kind", m.Kind, "key", fmt.Sprint(m.Key), "column", m.Column)
}

func (c *Checker) cursor(side Side, table, label string) *cursor {
	var limiter *rate.Limiter
	if c.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.opts.RateLimit), 1)
	}

	return &cursor{
		side:    side,
		table:   table,
		label:   label,
		limit:   c.opts.BatchSize,
		limiter: limiter,
	}
}

// differs returns the first column, by name, whose value differs between two rows.
// Columns present on only one side are ignored.
func differs(s, t *row) string {
	columns := make([]string, 0, len(s.values))
	for column := range s.values {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	for _, column := range columns {
		value, ok := t.values[column]
		if !ok {
			continue
		}

		if record.CompareKeys([]interface{}{s.values[column]}, []interface{}{value}) != 0 {
			return column
		}
	}

	return ""
}

type row struct {
	key    []interface{}
	values map[string]interface{}
}

// cursor reads one side of a table a page at a time, buffering the current page
type cursor struct {
	side    Side
	table   string
	label   string
	limit   int
	limiter *rate.Limiter
	rows    []*row
	last    []interface{}
	done    bool
}

// peek returns the next row without consuming it, or nil once the table is exhausted
func (c *cursor) peek(ctx context.Context) (*row, error) {
	for len(c.rows) == 0 && !c.done {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}

	if len(c.rows) == 0 {
		return nil, nil
	}

	return c.rows[0], nil
}

func (c *cursor) next() {
	c.rows = c.rows[1:]
}

func (c *cursor) fetch(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	query, err := c.side.Builder.BuildPageQuery(ctx, c.table, len(c.last) > 0, false, c.limit)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s page query", c.label)
	}

	rows, err := c.side.Source.QueryxContext(ctx, query.SQL, c.last...)
	if err != nil {
		return errors.Wrapf(err, "failed to query %s", c.label)
	}

	defer rows.Close()

	keyIndex := map[string]int{}
	for idx, key := range query.Keys {
		keyIndex[key] = idx
	}

	count := 0
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return errors.Wrapf(err, "failed to scan %s row", c.label)
		}

		r := &row{key: make([]interface{}, len(query.Keys)), values: map[string]interface{}{}}
		for idx, value := range values {
			if bytes, ok := value.([]byte); ok {
				value = string(bytes)
			}

			column := query.Columns[idx]
			r.values[column] = value
			if keyIdx, ok := keyIndex[column]; ok {
				r.key[keyIdx] = value
			}
		}

		c.rows = append(c.rows, r)
		c.last = r.key
		count++
	}

	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "failed reading %s rows", c.label)
	}

	checkRowsReadTotal.WithLabelValues(c.table, c.label).Add(float64(count))
	if count < c.limit {
		c.done = true
	}

	return nil
}
