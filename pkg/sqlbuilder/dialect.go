package sqlbuilder

import (
	"fmt"
	"strings"
)

// Dialect captures how destinations differ in the SQL they accept. Quoting and
// placeholders are the common variation, along with how an insert is made to tolerate
// the row already existing.
type Dialect interface {
	Name() string
	// Quote escapes an identifier, quoting each part of a dotted schema.table name
	Quote(ident string) string
	// Placeholder renders the nth (1-indexed) bind parameter
	Placeholder(n int) string
	// InsertConflict is appended to inserts, making them overwrite an existing row with
	// the same key. It is empty when there are no keys.
	InsertConflict(keys, columns []string) string
}

// DialectFor finds a dialect by name, which matches the database/sql driver name
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}

	return nil, fmt.Errorf("unsupported dialect: %s", name)
}

var (
	Postgres Dialect = postgres{}
	MySQL    Dialect = mysql{}
	SQLite   Dialect = sqlite{}
)

type postgres struct{}

func (postgres) Name() string              { return "postgres" }
func (postgres) Quote(ident string) string { return quote(ident, `"`) }
func (postgres) Placeholder(n int) string  { return fmt.Sprintf("$%d", n) }

func (d postgres) InsertConflict(keys, columns []string) string {
	return onConflict(d, keys, columns)
}

type sqlite struct{}

func (sqlite) Name() string              { return "sqlite" }
func (sqlite) Quote(ident string) string { return quote(ident, `"`) }
func (sqlite) Placeholder(int) string    { return "?" }

func (d sqlite) InsertConflict(keys, columns []string) string {
	return onConflict(d, keys, columns)
}

type mysql struct{}

func (mysql) Name() string              { return "mysql" }
func (mysql) Quote(ident string) string { return quote(ident, "`") }
func (mysql) Placeholder(int) string    { return "?" }

func (d mysql) InsertConflict(keys, columns []string) string {
	if len(keys) == 0 {
		return ""
	}

	sets := []string{}
	for _, column := range nonKeys(keys, columns) {
		sets = append(sets, fmt.Sprintf("%s = values(%s)", d.Quote(column), d.Quote(column)))
	}

	// MySQL has no do-nothing form, so assign the key to itself
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", d.Quote(keys[0]), d.Quote(keys[0])))
	}

	return fmt.Sprintf(" on duplicate key update %s", strings.Join(sets, ", "))
}

// onConflict is shared by Postgres and SQLite, which agree on upsert syntax
func onConflict(d Dialect, keys, columns []string) string {
	if len(keys) == 0 {
		return ""
	}

	quotedKeys := []string{}
	for _, key := range keys {
		quotedKeys = append(quotedKeys, d.Quote(key))
	}

	sets := []string{}
	for _, column := range nonKeys(keys, columns) {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.Quote(column), d.Quote(column)))
	}

	if len(sets) == 0 {
		return fmt.Sprintf(" on conflict (%s) do nothing", strings.Join(quotedKeys, ", "))
	}

	return fmt.Sprintf(" on conflict (%s) do update set %s", strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
}

func quote(ident, mark string) string {
	parts := strings.Split(ident, ".")
	for idx, part := range parts {
		parts[idx] = mark + strings.ReplaceAll(part, mark, mark+mark) + mark
	}

	return strings.Join(parts, ".")
}

func nonKeys(keys, columns []string) []string {
	isKey := map[string]bool{}
	for _, key := range keys {
		isKey[key] = true
	}

	result := []string{}
	for _, column := range columns {
		if !isKey[column] {
			result = append(result, column)
		}
	}

	return result
}
