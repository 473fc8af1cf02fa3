package channel

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/lawrencejones/pgshift/pkg/record"
)

// PositionCallback is told whenever the position that is safe to resume from advances
type PositionCallback func(context.Context, record.Position) error

// Multiplex spreads the records of a single stream across several lanes, each consumed
// by its own sink. Records are routed by the hash of the row they target, so changes to
// the same row stay in order on the same lane.
//
// Lanes acknowledge independently, so a position is only safe to report once every
// record pushed before it has been acknowledged, on any lane. The ack window tracks this.
type Multiplex struct {
	lanes    []*Memory
	window   *ackWindow
	position PositionCallback
	pushMu   sync.Mutex
	reportMu sync.Mutex      // held across advancing the window and reporting
	reported record.Position // highest position passed to the callback
}

var _ Pusher = &Multiplex{}

func NewMultiplex(opts Options, position PositionCallback) *Multiplex {
	lanes := opts.Lanes
	if lanes <= 0 {
		lanes = 1
	}

	m := &Multiplex{
		window:   newAckWindow(),
		position: position,
	}

	// Each lane gets a share of the total capacity
	laneOpts := opts
	laneOpts.Capacity = opts.Capacity / lanes
	for idx := 0; idx < lanes; idx++ {
		m.lanes = append(m.lanes, NewMemory(laneOpts, m.ack))
	}

	return m
}

func (m *Multiplex) Lanes() int { return len(m.lanes) }

// Lane returns the channel a single sink should consume from
func (m *Multiplex) Lane(idx int) Channel { return m.lanes[idx] }

// Push routes each record to its lane. Key-changing updates can't be routed safely, as
// the old and new keys may hash to different lanes: we wait for every lane to drain
// before and after pushing them.
func (m *Multiplex) Push(ctx context.Context, records []record.Record) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	for _, r := range records {
		switch r := r.(type) {
		case *record.FinishedRecord:
			for _, lane := range m.lanes {
				finished := &record.FinishedRecord{Position: r.Position}
				m.window.add(finished)
				if err := lane.Push(ctx, []record.Record{finished}); err != nil {
					return err
				}
			}

		case *record.ChangeRecord:
			barrier := r.KeyChanged()
			if barrier {
				if err := m.window.drain(ctx); err != nil {
					return err
				}
			}

			m.window.add(r)
			if err := m.route(r).Push(ctx, []record.Record{r}); err != nil {
				return err
			}

			if barrier {
				if err := m.window.drain(ctx); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (m *Multiplex) route(r *record.ChangeRecord) *Memory {
	identity := r.Identity()
	if r.KeyChanged() {
		identity = r.NewIdentity()
	}

	h := fnv.New32a()
	h.Write([]byte(identity))

	return m.lanes[h.Sum32()%uint32(len(m.lanes))]
}

// ack advances the window and reports the new position. Lanes ack concurrently, and
// reported positions must never go backwards, so both steps happen under reportMu.
func (m *Multiplex) ack(ctx context.Context, records []record.Record) error {
	m.reportMu.Lock()
	defer m.reportMu.Unlock()

	position, advanced := m.window.ack(records)
	if !advanced || m.position == nil {
		return nil
	}

	if m.reported != nil && position.Compare(m.reported) <= 0 {
		return nil
	}

	if err := m.position(ctx, position); err != nil {
		return err
	}

	m.reported = position
	return nil
}

func (m *Multiplex) Close() {
	for _, lane := range m.lanes {
		lane.Close()
	}

	m.window.close()
}

type windowEntry struct {
	position record.Position
	acked    bool
}

// ackWindow orders every pushed record by sequence, and advances its head past
// contiguous acknowledged entries.
type ackWindow struct {
	base    uint64 // sequence number of entries[0]
	entries []windowEntry
	index   map[record.Record]uint64
	changed chan struct{} // closed and replaced whenever the window shrinks
	done    chan struct{}
	sync.Mutex
}

func newAckWindow() *ackWindow {
	return &ackWindow{
		index:   map[record.Record]uint64{},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *ackWindow) add(r record.Record) {
	w.Lock()
	defer w.Unlock()

	w.index[r] = w.base + uint64(len(w.entries))
	w.entries = append(w.entries, windowEntry{position: r.GetPosition()})
}

// ack marks records as acknowledged, returning the position of the last entry the head
// advanced over, if it moved.
func (w *ackWindow) ack(records []record.Record) (position record.Position, advanced bool) {
	w.Lock()
	defer w.Unlock()

	for _, r := range records {
		seq, ok := w.index[r]
		if !ok {
			continue
		}

		delete(w.index, r)
		w.entries[seq-w.base].acked = true
	}

	for len(w.entries) > 0 && w.entries[0].acked {
		position = record.Max(position, w.entries[0].position)
		w.entries = w.entries[1:]
		w.base++
		advanced = true
	}

	if advanced {
		close(w.changed)
		w.changed = make(chan struct{})
	}

	return position, advanced
}

// drain blocks until every added record has been acknowledged
func (w *ackWindow) drain(ctx context.Context) error {
	for {
		w.Lock()
		empty, changed := len(w.entries) == 0, w.changed
		w.Unlock()

		if empty {
			return nil
		}

		select {
		case <-changed:
		case <-w.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *ackWindow) close() {
	w.Lock()
	defer w.Unlock()

	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
