// Defines the record model that flows from capture, through the channel, into the sink.
// A Record is a closed sum type of ChangeRecord or FinishedRecord, and every record
// carries a Position into the source change stream.
//
// Use pkg/inventory to produce records from existing table data, or map the output of a
// replication stream into ChangeRecords.
package record

import (
	"fmt"
	"strings"
)

// Kind is the operation a ChangeRecord applies to the destination. New kinds must be
// added here and to every switch over Kind, of which the compiler will not remind you.
type Kind int

const (
	Insert Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	}

	panic(fmt.Sprintf("unrecognised record kind %d", int(k)))
}

// Kinds lists every operation kind, in the order we want to report them
var Kinds = []Kind{Insert, Update, Delete}

// Column is a single column of a changed row. Value is the after-image, OldValue the
// before-image, which is only present when HasOld is set.
type Column struct {
	Name     string      `json:"name"`
	Value    interface{} `json:"value"`
	OldValue interface{} `json:"old_value,omitempty"`
	HasOld   bool        `json:"has_old"`
	Key      bool        `json:"key"`     // primary or unique key column
	Updated  bool        `json:"updated"` // value was modified by this change
}

// Record is either a *ChangeRecord or a *FinishedRecord. The unexported method prevents
// other packages from adding variants.
type Record interface {
	GetPosition() Position
	isRecord()
}

// FinishedRecord marks the end of a stream. Consumers should stop after draining all
// records received before it.
type FinishedRecord struct {
	Position Position `json:"position"`
}

func (r *FinishedRecord) GetPosition() Position { return r.Position }
func (r *FinishedRecord) isRecord()             {}

// ChangeRecord is a row-level change from the source, destined for a single table.
type ChangeRecord struct {
	Kind     Kind     `json:"kind"`
	Table    string   `json:"table"`
	Columns  []Column `json:"columns"`
	Position Position `json:"position"`
}

func (r *ChangeRecord) GetPosition() Position { return r.Position }
func (r *ChangeRecord) isRecord()             {}

func (r *ChangeRecord) String() string {
	return fmt.Sprintf("%s %s%v@%v", r.Kind, r.Table, r.KeyValues(), r.Position)
}

// Column finds a column by name, returning nil if the record has no such column
func (r *ChangeRecord) Column(name string) *Column {
	for idx := range r.Columns {
		if r.Columns[idx].Name == name {
			return &r.Columns[idx]
		}
	}

	return nil
}

func (r *ChangeRecord) KeyColumns() []Column {
	keys := []Column{}
	for _, column := range r.Columns {
		if column.Key {
			keys = append(keys, column)
		}
	}

	return keys
}

// KeyValues identifies the row this change applies to in the destination, before the
// change is applied. For updates and deletes that means the old key value, if captured.
func (r *ChangeRecord) KeyValues() []interface{} {
	values := []interface{}{}
	for _, column := range r.KeyColumns() {
		if r.Kind != Insert && column.HasOld {
			values = append(values, column.OldValue)
		} else {
			values = append(values, column.Value)
		}
	}

	return values
}

// NewKeyValues identifies the row after the change has been applied
func (r *ChangeRecord) NewKeyValues() []interface{} {
	values := []interface{}{}
	for _, column := range r.KeyColumns() {
		values = append(values, column.Value)
	}

	return values
}

// KeyChanged is true when an update moves a row to a different key
func (r *ChangeRecord) KeyChanged() bool {
	if r.Kind != Update {
		return false
	}

	for _, column := range r.KeyColumns() {
		if column.Updated && column.HasOld && fmt.Sprint(column.OldValue) != fmt.Sprint(column.Value) {
			return true
		}
	}

	return false
}

// Identity renders the table and key values into a string that can be used as a map key.
// Records with equal identities target the same destination row.
func (r *ChangeRecord) Identity() string {
	return identity(r.Table, r.KeyValues())
}

// NewIdentity is the identity of the row once the change has been applied
func (r *ChangeRecord) NewIdentity() string {
	return identity(r.Table, r.NewKeyValues())
}

func identity(table string, values []interface{}) string {
	var b strings.Builder
	b.WriteString(table)
	for _, value := range values {
		fmt.Fprintf(&b, "|%T:%v", value, value)
	}

	return b.String()
}

// UpdatedColumns returns the columns an update sets. Key columns are included only if
// they were themselves modified.
func (r *ChangeRecord) UpdatedColumns() []Column {
	columns := []Column{}
	for _, column := range r.Columns {
		if column.Updated {
			columns = append(columns, column)
		}
	}

	return columns
}

// Validate checks the record upholds the invariants of its kind
func (r *ChangeRecord) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("record has no table")
	}

	switch r.Kind {
	case Insert:
		if len(r.Columns) == 0 {
			return fmt.Errorf("insert into %s has no columns", r.Table)
		}
	case Update:
		if len(r.UpdatedColumns()) == 0 {
			return fmt.Errorf("update of %s sets no columns", r.Table)
		}
	case Delete:
		if len(r.KeyColumns()) == 0 {
			return fmt.Errorf("delete from %s has no key columns", r.Table)
		}
	default:
		return fmt.Errorf("unrecognised record kind %d", int(r.Kind))
	}

	return nil
}

// Clone produces a copy whose column slice can be modified without affecting the
// original. Values themselves are not copied.
func (r *ChangeRecord) Clone() *ChangeRecord {
	clone := *r
	clone.Columns = append([]Column(nil), r.Columns...)

	return &clone
}
