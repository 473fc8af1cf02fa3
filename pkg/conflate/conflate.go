// Turns an ordered batch of change records into groups that can each be executed as a
// single batch statement. Changes to the same row are never reordered: they are either
// merged into a single change, or kept in their original relative order.
package conflate

import (
	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	conflateMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgshift_conflate_merged_total",
			Help: "Number of change records eliminated by merging into an earlier change of the same row",
		},
	)
	conflateGroupSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgshift_conflate_group_size",
			Help:    "Number of records in each group produced by the conflator",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// Group is a run of records of the same kind against the same table, safe to execute as
// one batch statement.
type Group struct {
	Kind    record.Kind
	Table   string
	Records []*record.ChangeRecord
}

// Position is the highest position of any record in the group
func (g Group) Position() record.Position {
	var position record.Position
	for _, r := range g.Records {
		position = record.Max(position, r.Position)
	}

	return position
}

// Conflate merges changes to the same row where possible, then groups contiguous
// records of the same kind and table.
func Conflate(records []*record.ChangeRecord) []Group {
	return group(Merge(records))
}

// Sequential produces one group per record, in input order. It never batches, and is
// used when the destination can't be trusted to apply batches correctly.
func Sequential(records []*record.ChangeRecord) []Group {
	groups := make([]Group, 0, len(records))
	for _, r := range records {
		groups = append(groups, Group{Kind: r.Kind, Table: r.Table, Records: []*record.ChangeRecord{r}})
		conflateGroupSize.Observe(1)
	}

	return groups
}

// Merge collapses chains of changes to the same row into a single change, placed where
// the first change of the chain was. Records that change a row's key are never merged,
// and prevent merging across them for both the old and new key.
func Merge(records []*record.ChangeRecord) []*record.ChangeRecord {
	merged := make([]*record.ChangeRecord, 0, len(records))
	heads := map[string]int{} // row identity to index in merged of its latest change

	for _, r := range records {
		if len(r.KeyColumns()) == 0 {
			merged = append(merged, r)
			continue
		}

		if r.KeyChanged() {
			delete(heads, r.Identity())
			delete(heads, r.NewIdentity())
			merged = append(merged, r)
			continue
		}

		identity := r.Identity()
		if idx, ok := heads[identity]; ok {
			if result := merge(merged[idx], r); result != nil {
				merged[idx] = result
				conflateMergedTotal.Inc()
				continue
			}
		}

		heads[identity] = len(merged)
		merged = append(merged, r)
	}

	return merged
}

// merge combines two changes to the same row, returning nil if they can't be combined
func merge(prev, next *record.ChangeRecord) *record.ChangeRecord {
	var result *record.ChangeRecord

	switch {
	case prev.Kind == record.Insert && next.Kind == record.Update:
		result = prev.Clone()
		for _, column := range next.Columns {
			existing := result.Column(column.Name)
			if existing == nil {
				result.Columns = append(result.Columns, record.Column{Name: column.Name, Key: column.Key})
				existing = &result.Columns[len(result.Columns)-1]
			}

			existing.Value = column.Value
		}

	case prev.Kind == record.Update && next.Kind == record.Update:
		result = prev.Clone()
		for _, column := range next.Columns {
			existing := result.Column(column.Name)
			if existing == nil {
				result.Columns = append(result.Columns, column)
				continue
			}

			existing.Value = column.Value
			existing.Updated = existing.Updated || column.Updated
			// Keep the earliest before-image, it describes the row as the destination has it
			if !existing.HasOld && column.HasOld {
				existing.OldValue, existing.HasOld = column.OldValue, true
			}
		}

	case prev.Kind != record.Delete && next.Kind == record.Delete:
		result = next.Clone()

	default:
		// A delete followed by anything must be applied as two separate changes
		return nil
	}

	result.Position = record.Max(prev.Position, next.Position)

	return result
}

func group(records []*record.ChangeRecord) []Group {
	groups := []Group{}
	for _, r := range records {
		if len(groups) > 0 {
			last := &groups[len(groups)-1]
			if last.Kind == r.Kind && last.Table == r.Table {
				last.Records = append(last.Records, r)
				continue
			}
		}

		groups = append(groups, Group{Kind: r.Kind, Table: r.Table, Records: []*record.ChangeRecord{r}})
	}

	for _, g := range groups {
		conflateGroupSize.Observe(float64(len(g.Records)))
	}

	return groups
}
