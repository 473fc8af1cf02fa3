package sqlbuilder

import (
	"context"
	"fmt"
	"strings"
)

// PageQuery reads a table in key order, one page at a time
type PageQuery struct {
	SQL     string
	Columns []string // selected columns, in scan order
	Keys    []string // columns pages are ordered by, empty if the table has no key
}

// BuildPageQuery selects up to limit rows ordered by every key column. With begin, the
// query takes one parameter per key column for the exclusive lower bound, and with end
// the same again for the inclusive upper bound, in that order. Composite keys compare as
// row values, so rows sharing a leading value are never skipped at a page boundary.
//
// Tables without a key can't be paged, so the query selects every row and ignores the
// bounds.
func (b *Builder) BuildPageQuery(ctx context.Context, table string, begin, end bool, limit int) (*PageQuery, error) {
	columns, keys, err := b.describe(ctx, table)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("select %s from %s", strings.Join(b.quoteAll(columns), ", "), b.dialect.Quote(table))
	if len(keys) == 0 {
		return &PageQuery{SQL: sql, Columns: columns}, nil
	}

	quoted := b.quoteAll(keys)
	key := quoted[0]
	if len(keys) > 1 {
		key = fmt.Sprintf("(%s)", strings.Join(quoted, ", "))
	}

	conditions, param := []string{}, 1
	bound := func() string {
		placeholders := make([]string, 0, len(keys))
		for range keys {
			placeholders = append(placeholders, b.dialect.Placeholder(param))
			param++
		}
		if len(placeholders) == 1 {
			return placeholders[0]
		}

		return fmt.Sprintf("(%s)", strings.Join(placeholders, ", "))
	}

	if begin {
		conditions = append(conditions, fmt.Sprintf("%s > %s", key, bound()))
	}
	if end {
		conditions = append(conditions, fmt.Sprintf("%s <= %s", key, bound()))
	}

	if len(conditions) > 0 {
		sql = fmt.Sprintf("%s where %s", sql, strings.Join(conditions, " and "))
	}

	sql = fmt.Sprintf("%s order by %s limit %d", sql, strings.Join(quoted, ", "), limit)

	return &PageQuery{SQL: sql, Columns: columns, Keys: keys}, nil
}

// Keys returns the key columns of a table, as known to the metadata provider
func (b *Builder) Keys(ctx context.Context, table string) ([]string, error) {
	_, keys, err := b.describe(ctx, table)
	return keys, err
}
