// Pipelines migrate a set of tables. Each table is dumped into a channel that feeds one
// sink per lane, with positions saved to the table's tracker as the sinks commit.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lawrencejones/pgshift/pkg/channel"
	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/inventory"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/sink"
	"github.com/lawrencejones/pgshift/pkg/sqlbuilder"
	"github.com/lawrencejones/pgshift/pkg/tracker"

	"github.com/alecthomas/kingpin"
	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	JobID     string   // keys saved positions, generated if empty
	Tables    []string // tables to migrate, which must exist in source and destination
	Channel   channel.Options
	Sink      sink.Options
	Inventory inventory.Options
	Tracker   tracker.Options
	DryRun    bool // print statements instead of applying them, saving nothing
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sjob-id", prefix), "Identifies the job when saving positions, pass the same value to resume").StringVar(&opt.JobID)
	cmd.Flag(fmt.Sprintf("%stable", prefix), "Table to migrate, may be repeated").Required().StringsVar(&opt.Tables)
	cmd.Flag(fmt.Sprintf("%sdry-run", prefix), "Print the statements that would be executed, ignoring the destination").Default("false").BoolVar(&opt.DryRun)

	opt.Channel.Bind(cmd, fmt.Sprintf("%schannel.", prefix))
	opt.Sink.Bind(cmd, fmt.Sprintf("%ssink.", prefix))
	opt.Inventory.Bind(cmd, fmt.Sprintf("%sinventory.", prefix))
	opt.Tracker.Bind(cmd, fmt.Sprintf("%stracker.", prefix))

	return opt
}

// Config holds the connections a pipeline moves data between. Each builder must describe
// its own side: the source builder produces page queries, the destination builder
// produces writes.
type Config struct {
	Source             inventory.Source
	SourceBuilder      *sqlbuilder.Builder
	Destination        destination.Executor
	DestinationBuilder *sqlbuilder.Builder
	TrackerConn        tracker.Conn // only required by the postgres tracker
	DryRunOutput       io.Writer    // where dry runs print statements, defaults to stdout
}

type Pipeline struct {
	logger   kitlog.Logger
	cfg      Config
	opts     Options
	shutdown chan struct{}
	done     chan error
}

func New(logger kitlog.Logger, cfg Config, opts Options) *Pipeline {
	if opts.JobID == "" {
		opts.JobID = uuid.New().String()
		logger.Log("event", "generate_job_id", "job_id", opts.JobID,
			"msg", "no job id provided, this job can only be resumed by passing the generated id")
	}

	// Dry runs apply nothing, so they must not leave positions behind
	if opts.DryRun {
		logger.Log("event", "dry_run", "msg", "printing statements instead of applying them")
		out := cfg.DryRunOutput
		if out == nil {
			out = os.Stdout
		}

		cfg.Destination = destination.NewDryRun(out)
		opts.Tracker.Backend = "memory"
	}

	return &Pipeline{
		logger:   kitlog.With(logger, "job_id", opts.JobID),
		cfg:      cfg,
		opts:     opts,
		shutdown: make(chan struct{}),
		done:     make(chan error, 1), // buffered by 1, to ensure progress when reporting an error
	}
}

func (p *Pipeline) JobID() string {
	return p.opts.JobID
}

// Shutdown requests the pipeline stop, waiting for Run to return. Sinks roll back
// whatever they are applying, so saved positions remain valid.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	close(p.shutdown)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.done:
		return err
	}
}

// Run migrates every table concurrently, returning once all are finished, one fails,
// or shutdown is requested.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		p.done <- err
		close(p.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(
		func() error {
			select {
			case <-p.shutdown:
				p.logger.Log("event", "shutdown", "msg", "shutdown requested, stopping tables")
			case <-ctx.Done():
			}

			return nil
		},
		func(error) {
			cancel()
		},
	)

	g.Add(
		func() error {
			group, ctx := errgroup.WithContext(ctx)
			for _, table := range p.opts.Tables {
				table := table
				group.Go(func() error {
					return errors.Wrapf(p.migrate(ctx, table), "failed to migrate %s", table)
				})
			}

			return group.Wait()
		},
		func(error) {
			cancel()
		},
	)

	return g.Run()
}

// migrate runs the dumper and sinks of a single table. Any failure cancels the rest, and
// cancellation is not itself an error.
func (p *Pipeline) migrate(ctx context.Context, table string) error {
	logger := kitlog.With(p.logger, "table", table)

	t, err := tracker.New(p.opts.Tracker, p.cfg.TrackerConn, p.opts.JobID, table)
	if err != nil {
		return err
	}

	from, err := t.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load position")
	}

	if _, ok := from.(record.FinishedPosition); ok {
		logger.Log("event", "skip", "msg", "table already migrated")
		return nil
	}

	logger.Log("event", "start", "position", from)

	pusher, sinks, closeChannel, err := p.build(logger, t)
	if err != nil {
		return err
	}

	defer closeChannel()

	group, ctx := errgroup.WithContext(ctx)
	for _, s := range sinks {
		s := s
		group.Go(func() error {
			return s.Run(ctx)
		})
	}

	dumper := inventory.NewDumper(logger, p.cfg.Source, p.cfg.SourceBuilder, pusher, table, p.opts.Inventory)
	group.Go(func() error {
		if err := dumper.Dump(ctx, from); err != nil && ctx.Err() == nil {
			return err
		}

		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Log("event", "complete")
	return nil
}

// build creates the channel and sinks for a table. With a single lane the sink saves
// positions itself, otherwise the multiplexer saves them as all lanes acknowledge.
func (p *Pipeline) build(logger kitlog.Logger, t tracker.Tracker) (channel.Pusher, []*sink.Sink, func(), error) {
	if p.opts.Channel.Lanes <= 1 {
		ch := channel.NewMemory(p.opts.Channel, nil)
		s, err := sink.New(logger, ch, p.cfg.Destination, p.cfg.DestinationBuilder, t, p.opts.Sink)
		if err != nil {
			return nil, nil, nil, err
		}

		return ch, []*sink.Sink{s}, ch.Close, nil
	}

	mux := channel.NewMultiplex(p.opts.Channel, t.Save)
	sinks := make([]*sink.Sink, 0, mux.Lanes())
	for idx := 0; idx < mux.Lanes(); idx++ {
		s, err := sink.New(kitlog.With(logger, "lane", idx), mux.Lane(idx), p.cfg.Destination, p.cfg.DestinationBuilder, nil, p.opts.Sink)
		if err != nil {
			return nil, nil, nil, err
		}

		sinks = append(sinks, s)
	}

	return mux, sinks, mux.Close, nil
}
