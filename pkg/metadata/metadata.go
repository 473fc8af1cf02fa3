// Describes the columns of destination tables, and which of them form the key used to
// address rows in UPDATE and DELETE statements.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrTableNotFound = errors.New("table not found")

type Column struct {
	Name string
	Key  bool // primary or unique key column
}

// Provider resolves the ordered columns of a table
type Provider interface {
	GetColumns(ctx context.Context, table string) ([]Column, error)
}

// Keys filters columns to those that form the key
func Keys(columns []Column) []Column {
	keys := []Column{}
	for _, column := range columns {
		if column.Key {
			keys = append(keys, column)
		}
	}

	return keys
}

// Static serves metadata from a fixed map, useful when the destination schema is
// configured rather than discovered.
type Static map[string][]Column

func (s Static) GetColumns(_ context.Context, table string) ([]Column, error) {
	columns, ok := s[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	return columns, nil
}

var _ Provider = &Cached{}

// Cached memoises another provider. Callers must Evict a table after changing its
// structure, as we never detect it ourselves.
type Cached struct {
	provider Provider
	cache    map[string][]Column
	sync.RWMutex
}

func NewCached(provider Provider) *Cached {
	return &Cached{provider: provider, cache: map[string][]Column{}}
}

func (c *Cached) GetColumns(ctx context.Context, table string) ([]Column, error) {
	c.RLock()
	columns, ok := c.cache[table]
	c.RUnlock()

	if ok {
		return columns, nil
	}

	columns, err := c.provider.GetColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	c.Lock()
	c.cache[table] = columns
	c.Unlock()

	return columns, nil
}

func (c *Cached) Evict(table string) {
	c.Lock()
	defer c.Unlock()

	delete(c.cache, table)
}
