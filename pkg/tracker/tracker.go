// Persists the position a job has durably applied up to, so it can resume after a
// restart without re-reading everything or silently skipping rows.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/alecthomas/kingpin"
)

// ErrRegression is returned when asked to save a position lower than one already saved
var ErrRegression = errors.New("position moved backwards")

// Tracker is the single writer of a job's checkpoint. Load is only used when starting,
// and returns a nil position if nothing has been saved.
type Tracker interface {
	Save(context.Context, record.Position) error
	Load(context.Context) (record.Position, error)
}

type Options struct {
	Backend   string // memory, file or postgres
	Directory string // where the file backend stores positions
	Schema    string // schema holding the positions table of the postgres backend
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sbackend", prefix), "Where to store positions").Default("file").EnumVar(&opt.Backend, "memory", "file", "postgres")
	cmd.Flag(fmt.Sprintf("%sdirectory", prefix), "Directory for position files, with the file backend").Default("positions").StringVar(&opt.Directory)
	cmd.Flag(fmt.Sprintf("%sschema", prefix), "Schema of the positions table, with the postgres backend").Default("pgshift").StringVar(&opt.Schema)

	return opt
}

func check(last, position record.Position) error {
	if last != nil && position.Compare(last) < 0 {
		return fmt.Errorf("%w: %s is before %s", ErrRegression, position, last)
	}

	return nil
}

var _ Tracker = &Memory{}

// Memory keeps every saved position, which is mostly useful in tests
type Memory struct {
	history []record.Position
	sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{history: []record.Position{}}
}

func (m *Memory) Save(_ context.Context, position record.Position) error {
	m.Lock()
	defer m.Unlock()

	if err := check(m.last(), position); err != nil {
		return err
	}

	m.history = append(m.history, position)
	return nil
}

func (m *Memory) Load(context.Context) (record.Position, error) {
	m.Lock()
	defer m.Unlock()

	return m.last(), nil
}

// History returns every position saved, in order
func (m *Memory) History() []record.Position {
	m.Lock()
	defer m.Unlock()

	return append([]record.Position{}, m.history...)
}

func (m *Memory) last() record.Position {
	if len(m.history) == 0 {
		return nil
	}

	return m.history[len(m.history)-1]
}

// New builds the tracker configured by opts for a table of a job. The connection is only
// used by the postgres backend, and may be nil otherwise.
func New(opts Options, conn Conn, jobID, table string) (Tracker, error) {
	switch opts.Backend {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		return NewFile(filepath.Join(opts.Directory, jobID, fmt.Sprintf("%s.json", table))), nil
	case "postgres":
		if conn == nil {
			return nil, fmt.Errorf("postgres tracker requires a connection")
		}

		return NewPostgres(conn, opts.Schema, jobID, table), nil
	}

	return nil, fmt.Errorf("unsupported tracker backend: %s", opts.Backend)
}
