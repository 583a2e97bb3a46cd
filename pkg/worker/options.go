package worker

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/metrics"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/WatchBeam/clock"
)

// Options configures a Worker.
type Options struct {
	WorkerID        string
	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// StatusPollInterval is the first delay between backend status polls;
	// it backs off up to MaxStatusPollInterval.
	StatusPollInterval    time.Duration
	MaxStatusPollInterval time.Duration
	// MaxRetries bounds how often a job goes back to the queue after a
	// transient failure before it is failed with "retries exhausted".
	MaxRetries int
	// StatusFailureLimit is how many status or result calls in a row may
	// fail before the job is requeued like any other transient failure.
	StatusFailureLimit int
	LeaseDuration      time.Duration
	Clock              clock.Clock
	Metrics            *metrics.Metrics
	// OnFinished is called after a job reaches a terminal state on this node.
	OnFinished func(ctx context.Context, job *jobx.Job)
	// OnLeaseExpired is called for every lapsed claim found while claiming.
	OnLeaseExpired func(ctx context.Context, c queue.Claim)
}

func defaultOptions() Options {
	return Options{
		Concurrency:           4,
		PollInterval:          time.Second,
		ShutdownTimeout:       30 * time.Second,
		StatusPollInterval:    2 * time.Second,
		MaxStatusPollInterval: 30 * time.Second,
		MaxRetries:            3,
		StatusFailureLimit:    10,
		LeaseDuration:         queue.DefaultLease,
		Clock:                 clock.C,
	}
}

// Option is a functional option for the worker.
type Option func(*Options)

func WithWorkerID(id string) Option {
	return func(o *Options) {
		if id != "" {
			o.WorkerID = id
		}
	}
}

// WithConcurrency sets the number of jobs executed at once on this node.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithPollInterval sets the interval between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long shutdown waits for executions to hand back their claims.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = d
	}
}

func WithStatusPolling(initial, max time.Duration) Option {
	return func(o *Options) {
		if initial > 0 {
			o.StatusPollInterval = initial
		}
		if max >= o.StatusPollInterval {
			o.MaxStatusPollInterval = max
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxRetries = n
		}
	}
}

func WithStatusFailureLimit(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.StatusFailureLimit = n
		}
	}
}

// WithLeaseDuration must match the queue's lease; claims are extended every third of it.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LeaseDuration = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func WithOnFinished(fn func(ctx context.Context, job *jobx.Job)) Option {
	return func(o *Options) {
		o.OnFinished = fn
	}
}

func WithOnLeaseExpired(fn func(ctx context.Context, c queue.Claim)) Option {
	return func(o *Options) {
		o.OnLeaseExpired = fn
	}
}
