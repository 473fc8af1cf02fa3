// Builds parameterised INSERT, UPDATE and DELETE statements for destination tables,
// from column metadata that identifies each table's key.
package sqlbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lawrencejones/pgshift/pkg/metadata"
	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrMissingMetadata means we can't build a statement for a table, either because we
// couldn't resolve its columns or because it lacks the key needed to address rows. It
// is never worth retrying.
var ErrMissingMetadata = errors.New("missing table metadata")

var (
	builderCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgshift_sqlbuilder_cache_total",
			Help: "Statement cache lookups, labelled by whether they were a hit",
		},
		[]string{"result"},
	)
)

// Statement is a built SQL template along with the order its parameters must be bound
type Statement struct {
	Kind    record.Kind
	Table   string
	SQL     string
	Columns []string // inserted or set columns, bound first
	Keys    []string // key columns of the where clause, bound after Columns
}

// Bind produces the parameters for executing the statement with the given record. Key
// columns bind the before-image where the record has one, as that is the key of the
// row as the destination currently holds it.
func (s *Statement) Bind(r *record.ChangeRecord) ([]interface{}, error) {
	args := make([]interface{}, 0, len(s.Columns)+len(s.Keys))
	for _, name := range s.Columns {
		// Columns absent from the record are bound as null
		var value interface{}
		if column := r.Column(name); column != nil {
			value = column.Value
		}

		args = append(args, value)
	}

	for _, name := range s.Keys {
		column := r.Column(name)
		if column == nil {
			return nil, fmt.Errorf("%s record for %s has no value for key column %s", r.Kind, s.Table, name)
		}

		if column.HasOld {
			args = append(args, column.OldValue)
		} else {
			args = append(args, column.Value)
		}
	}

	return args, nil
}

type cacheKey struct {
	table   string
	kind    record.Kind
	columns string // set columns of updates, joined
}

// evicter is implemented by providers that cache, such as metadata.Cached
type evicter interface {
	Evict(table string)
}

// Builder caches statements by table and kind, along with the set columns for updates.
// Safe for concurrent use, though callers must serialise Evict with any builds that
// could observe the old table structure.
type Builder struct {
	dialect  Dialect
	provider metadata.Provider
	cache    map[cacheKey]*Statement
	sync.RWMutex
}

func New(dialect Dialect, provider metadata.Provider) *Builder {
	return &Builder{
		dialect:  dialect,
		provider: provider,
		cache:    map[cacheKey]*Statement{},
	}
}

// Build returns the statement that applies a record, choosing the set columns of an
// update from those the record modifies.
func (b *Builder) Build(ctx context.Context, r *record.ChangeRecord) (*Statement, error) {
	switch r.Kind {
	case record.Insert:
		return b.BuildInsert(ctx, r.Table)
	case record.Update:
		columns := []string{}
		for _, column := range r.UpdatedColumns() {
			columns = append(columns, column.Name)
		}

		return b.BuildUpdate(ctx, r.Table, columns)
	case record.Delete:
		return b.BuildDelete(ctx, r.Table)
	}

	return nil, fmt.Errorf("unrecognised record kind %d", int(r.Kind))
}

func (b *Builder) BuildInsert(ctx context.Context, table string) (*Statement, error) {
	return b.cached(ctx, cacheKey{table: table, kind: record.Insert}, func(columns, keys []string) (*Statement, error) {
		placeholders := make([]string, 0, len(columns))
		for idx := range columns {
			placeholders = append(placeholders, b.dialect.Placeholder(idx+1))
		}

		sql := fmt.Sprintf("insert into %s (%s) values (%s)%s",
			b.dialect.Quote(table),
			strings.Join(b.quoteAll(columns), ", "),
			strings.Join(placeholders, ", "),
			b.dialect.InsertConflict(keys, columns),
		)

		return &Statement{Kind: record.Insert, Table: table, SQL: sql, Columns: columns}, nil
	})
}

// BuildUpdate produces a statement setting only the given columns
func (b *Builder) BuildUpdate(ctx context.Context, table string, setColumns []string) (*Statement, error) {
	if len(setColumns) == 0 {
		return nil, fmt.Errorf("update of %s sets no columns", table)
	}

	key := cacheKey{table: table, kind: record.Update, columns: strings.Join(setColumns, ",")}
	return b.cached(ctx, key, func(columns, keys []string) (*Statement, error) {
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: %s has no key columns", ErrMissingMetadata, table)
		}

		known := map[string]bool{}
		for _, column := range columns {
			known[column] = true
		}

		sets := make([]string, 0, len(setColumns))
		for idx, column := range setColumns {
			if !known[column] {
				return nil, fmt.Errorf("%w: %s has no column %s", ErrMissingMetadata, table, column)
			}

			sets = append(sets, fmt.Sprintf("%s = %s", b.dialect.Quote(column), b.dialect.Placeholder(idx+1)))
		}

		sql := fmt.Sprintf("update %s set %s where %s",
			b.dialect.Quote(table),
			strings.Join(sets, ", "),
			b.where(keys, len(setColumns)+1),
		)

		return &Statement{
			Kind:    record.Update,
			Table:   table,
			SQL:     sql,
			Columns: append([]string{}, setColumns...),
			Keys:    keys,
		}, nil
	})
}

func (b *Builder) BuildDelete(ctx context.Context, table string) (*Statement, error) {
	return b.cached(ctx, cacheKey{table: table, kind: record.Delete}, func(_, keys []string) (*Statement, error) {
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: %s has no key columns", ErrMissingMetadata, table)
		}

		sql := fmt.Sprintf("delete from %s where %s", b.dialect.Quote(table), b.where(keys, 1))

		return &Statement{Kind: record.Delete, Table: table, SQL: sql, Keys: keys}, nil
	})
}

// Evict drops every cached statement for the table, along with the provider's cached
// metadata if it keeps any. Call it after the table structure changes.
func (b *Builder) Evict(table string) {
	b.Lock()
	for key := range b.cache {
		if key.table == table {
			delete(b.cache, key)
		}
	}
	b.Unlock()

	if provider, ok := b.provider.(evicter); ok {
		provider.Evict(table)
	}
}

func (b *Builder) cached(ctx context.Context, key cacheKey, build func(columns, keys []string) (*Statement, error)) (*Statement, error) {
	b.RLock()
	stmt, ok := b.cache[key]
	b.RUnlock()

	if ok {
		builderCacheTotal.WithLabelValues("hit").Inc()
		return stmt, nil
	}

	builderCacheTotal.WithLabelValues("miss").Inc()
	columns, keys, err := b.describe(ctx, key.table)
	if err != nil {
		return nil, err
	}

	stmt, err = build(columns, keys)
	if err != nil {
		return nil, err
	}

	b.Lock()
	b.cache[key] = stmt
	b.Unlock()

	return stmt, nil
}

// describe resolves the column and key names of a table
func (b *Builder) describe(ctx context.Context, table string) (columns, keys []string, err error) {
	metas, err := b.provider.GetColumns(ctx, table)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMissingMetadata, table, err)
	}

	if len(metas) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no columns", ErrMissingMetadata, table)
	}

	for _, meta := range metas {
		columns = append(columns, meta.Name)
		if meta.Key {
			keys = append(keys, meta.Name)
		}
	}

	return columns, keys, nil
}

// where renders key = placeholder conditions, numbering placeholders from start
func (b *Builder) where(keys []string, start int) string {
	conditions := make([]string, 0, len(keys))
	for idx, key := range keys {
		conditions = append(conditions, fmt.Sprintf("%s = %s", b.dialect.Quote(key), b.dialect.Placeholder(start+idx)))
	}

	return strings.Join(conditions, " and ")
}

func (b *Builder) quoteAll(idents []string) []string {
	quoted := make([]string, 0, len(idents))
	for _, ident := range idents {
		quoted = append(quoted, b.dialect.Quote(ident))
	}

	return quoted
}
