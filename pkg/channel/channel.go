// Channels decouple capture from the sink. They are bounded, so a slow destination
// applies backpressure to capture rather than growing memory, and acknowledgement is
// deferred until the consumer has durably applied what it fetched.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrClosed      = errors.New("channel is closed")
	ErrPushTimeout = errors.New("timed out waiting for channel capacity")
)

var (
	channelPushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgshift_channel_pushed_total",
			Help: "Total number of records pushed into channels",
		},
	)
	channelBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgshift_channel_blocked_total",
			Help: "Number of times a push blocked on a full channel",
		},
	)
	channelAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgshift_channel_acked_total",
			Help: "Total number of records acknowledged by consumers",
		},
	)
)

// Channel carries records from a single producer to a single consumer. Records are
// redelivered only by re-reading the source, so consumers must tolerate seeing the same
// change twice after a crash.
type Channel interface {
	// Push enqueues records, blocking while the channel is full. It fails with
	// ErrPushTimeout if capacity does not free up within the configured push timeout.
	Push(context.Context, []record.Record) error

	// Fetch blocks until at least one record is available or the timeout elapses,
	// returning up to batchSize records. A timeout produces an empty result, not an
	// error. Once the channel is closed and drained, Fetch returns ErrClosed.
	Fetch(ctx context.Context, batchSize int, timeout time.Duration) ([]record.Record, error)

	// Ack confirms every record fetched since the previous Ack has been applied
	Ack(context.Context) error

	// Close unblocks any goroutine waiting in Push or Fetch
	Close()
}

// Pusher is the producer side of a channel, satisfied by both Memory and Multiplex
type Pusher interface {
	Push(context.Context, []record.Record) error
}

// AckCallback receives records once the consumer has acknowledged them
type AckCallback func(context.Context, []record.Record) error

type Options struct {
	Capacity    int           // records buffered before push blocks
	PushTimeout time.Duration // max time push will block, zero for unbounded
	Lanes       int           // number of parallel consumers, see Multiplex
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%scapacity", prefix), "Records buffered between capture and sink").Default("10000").IntVar(&opt.Capacity)
	cmd.Flag(fmt.Sprintf("%spush-timeout", prefix), "Max time capture blocks on a full channel").Default("0s").DurationVar(&opt.PushTimeout)
	cmd.Flag(fmt.Sprintf("%slanes", prefix), "Number of parallel sink lanes per table").Default("1").IntVar(&opt.Lanes)

	return opt
}

var _ Channel = &Memory{}

// Memory is the default in-process channel
type Memory struct {
	queue       chan record.Record
	pushTimeout time.Duration
	ack         AckCallback
	pending     []record.Record // fetched but not yet acknowledged
	closed      chan struct{}
	closeOnce   sync.Once
	sync.Mutex
}

// NewMemory creates a channel, calling ack (if non-nil) with acknowledged records
func NewMemory(opts Options, ack AckCallback) *Memory {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	return &Memory{
		queue:       make(chan record.Record, capacity),
		pushTimeout: opts.PushTimeout,
		ack:         ack,
		pending:     []record.Record{},
		closed:      make(chan struct{}),
	}
}

func (c *Memory) Push(ctx context.Context, records []record.Record) error {
	var deadline <-chan time.Time
	if c.pushTimeout > 0 {
		timer := time.NewTimer(c.pushTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for _, r := range records {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}

		// Try without blocking first, so we can count how often backpressure kicks in
		select {
		case c.queue <- r:
			channelPushedTotal.Inc()
			continue
		default:
			channelBlockedTotal.Inc()
		}

		select {
		case c.queue <- r:
			channelPushedTotal.Inc()
		case <-deadline:
			return ErrPushTimeout
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (c *Memory) Fetch(ctx context.Context, batchSize int, timeout time.Duration) ([]record.Record, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first record.Record
	select {
	case first = <-c.queue:
	case <-timer.C:
		return []record.Record{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		// Closing doesn't discard what has already been pushed
		select {
		case first = <-c.queue:
		default:
			return nil, ErrClosed
		}
	}

	batch := []record.Record{first}
	if _, ok := first.(*record.FinishedRecord); !ok {
	drain:
		for len(batch) < batchSize {
			select {
			case r := <-c.queue:
				batch = append(batch, r)
				if _, ok := r.(*record.FinishedRecord); ok {
					break drain
				}
			default:
				break drain
			}
		}
	}

	c.Lock()
	c.pending = append(c.pending, batch...)
	c.Unlock()

	return batch, nil
}

func (c *Memory) Ack(ctx context.Context) error {
	c.Lock()
	acked := c.pending
	c.pending = []record.Record{}
	c.Unlock()

	if len(acked) == 0 {
		return nil
	}

	channelAckedTotal.Add(float64(len(acked)))
	if c.ack != nil {
		return c.ack(ctx, acked)
	}

	return nil
}

func (c *Memory) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Len is the number of records waiting to be fetched
func (c *Memory) Len() int {
	return len(c.queue)
}
