package sink

import (
	"fmt"
	"time"

	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/alecthomas/kingpin"
	"golang.org/x/time/rate"
)

type Options struct {
	BatchSize    int           // max records fetched per flush cycle
	FetchTimeout time.Duration // max time to wait for records before idling
	QueryTimeout time.Duration // max time for each statement, zero for none
	RetryTimes   int           // retries of a failed flush, after the first attempt
	RetryBackoff time.Duration // delay before the first retry, doubling for each after
	RateLimit    RateLimitOptions
	Sequential   []string // kinds applied record-by-record, as the destination can't batch them safely
}

// RateLimitOptions limit the statement groups executed per second, independently for
// each kind. Zero means unlimited.
type RateLimitOptions struct {
	Insert float64
	Update float64
	Delete float64
	Burst  int
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sbatch-size", prefix), "Max records applied in each transaction").Default("1000").IntVar(&opt.BatchSize)
	cmd.Flag(fmt.Sprintf("%sfetch-timeout", prefix), "Max time to wait for records before checking for shutdown").Default("3s").DurationVar(&opt.FetchTimeout)
	cmd.Flag(fmt.Sprintf("%squery-timeout", prefix), "Max time for each statement against the destination").Default("30s").DurationVar(&opt.QueryTimeout)
	cmd.Flag(fmt.Sprintf("%sretry-times", prefix), "Retries of a failed flush before giving up").Default("3").IntVar(&opt.RetryTimes)
	cmd.Flag(fmt.Sprintf("%sretry-backoff", prefix), "Delay before the first retry, doubled for each subsequent retry").Default("1s").DurationVar(&opt.RetryBackoff)
	cmd.Flag(fmt.Sprintf("%srate-limit-insert", prefix), "Max insert batches per second, 0 for unlimited").Default("0").Float64Var(&opt.RateLimit.Insert)
	cmd.Flag(fmt.Sprintf("%srate-limit-update", prefix), "Max update batches per second, 0 for unlimited").Default("0").Float64Var(&opt.RateLimit.Update)
	cmd.Flag(fmt.Sprintf("%srate-limit-delete", prefix), "Max delete batches per second, 0 for unlimited").Default("0").Float64Var(&opt.RateLimit.Delete)
	cmd.Flag(fmt.Sprintf("%srate-limit-burst", prefix), "Batches allowed to exceed the rate limit in a burst").Default("1").IntVar(&opt.RateLimit.Burst)
	cmd.Flag(fmt.Sprintf("%ssequential", prefix), "Apply these kinds record-by-record, for destinations that mishandle batches").EnumsVar(&opt.Sequential, "insert", "update", "delete")

	return opt
}

func (opt RateLimitOptions) limiters() map[record.Kind]*rate.Limiter {
	burst := opt.Burst
	if burst <= 0 {
		burst = 1
	}

	limiters := map[record.Kind]*rate.Limiter{}
	for kind, limit := range map[record.Kind]float64{
		record.Insert: opt.Insert,
		record.Update: opt.Update,
		record.Delete: opt.Delete,
	} {
		if limit > 0 {
			limiters[kind] = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}

	return limiters
}

func (opt Options) sequential() (map[record.Kind]bool, error) {
	sequential := map[record.Kind]bool{}
	for _, name := range opt.Sequential {
		switch name {
		case "insert":
			sequential[record.Insert] = true
		case "update":
			sequential[record.Update] = true
		case "delete":
			sequential[record.Delete] = true
		default:
			return nil, fmt.Errorf("unrecognised kind for sequential execution: %s", name)
		}
	}

	return sequential, nil
}
