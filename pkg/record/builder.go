package record

import "github.com/jackc/pglogrepl"

// Build constructs ChangeRecords from a list of options. It is mostly useful in tests,
// where it reads like the SQL that would have produced the change:
//
//	record.Build(
//	  record.Build.WithKind(record.Update),
//	  record.Build.WithTable("example"),
//	  record.Build.WithKey("id", 1),
//	  record.Build.WithUpdate("msg", "original", "first"),
//	)
var Build = builderFunc(func(opts ...func(*ChangeRecord)) *ChangeRecord {
	r := &ChangeRecord{Kind: Insert, Columns: []Column{}, Position: PlaceholderPosition{}}
	for _, opt := range opts {
		opt(r)
	}

	return r
})

type builderFunc func(opts ...func(*ChangeRecord)) *ChangeRecord

// WithBase copies the table, columns and position of an existing record, clearing any
// updated flags and old values so the result describes the row as it stands.
func (b builderFunc) WithBase(base *ChangeRecord) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		r.Table = base.Table
		r.Position = base.Position
		r.Columns = make([]Column, 0, len(base.Columns))
		for _, column := range base.Columns {
			r.Columns = append(r.Columns, Column{Name: column.Name, Value: column.Value, Key: column.Key})
		}
	}
}

func (b builderFunc) WithKind(kind Kind) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		r.Kind = kind
	}
}

func (b builderFunc) WithTable(table string) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		r.Table = table
	}
}

func (b builderFunc) WithPosition(position Position) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		r.Position = position
	}
}

func (b builderFunc) WithLSN(lsn uint64) func(*ChangeRecord) {
	return b.WithPosition(LSNPosition{LSN: pglogrepl.LSN(lsn)})
}

// WithKey sets a key column. For updates and deletes the old value is set to the same
// value, as the key is unchanged.
func (b builderFunc) WithKey(name string, value interface{}) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		set(r, Column{Name: name, Value: value, OldValue: value, HasOld: r.Kind != Insert, Key: true})
	}
}

func (b builderFunc) WithColumn(name string, value interface{}) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		set(r, Column{Name: name, Value: value})
	}
}

// WithUpdate marks a column as modified from old to value
func (b builderFunc) WithUpdate(name string, old, value interface{}) func(*ChangeRecord) {
	return func(r *ChangeRecord) {
		column := Column{Name: name, Value: value, OldValue: old, HasOld: true, Updated: true}
		if existing := r.Column(name); existing != nil {
			column.Key = existing.Key
		}

		set(r, column)
	}
}

func set(r *ChangeRecord, column Column) {
	if existing := r.Column(column.Name); existing != nil {
		*existing = column
		return
	}

	r.Columns = append(r.Columns, column)
}
