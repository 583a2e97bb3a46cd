package recovery

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/metrics"
	"github.com/WatchBeam/clock"
)

type Options struct {
	// BatchSize caps the jobs listed per state on one sweep.
	BatchSize   int
	Concurrency int
	JobTimeout  time.Duration
	// StaleAfter is how long a Created or Queued job may be absent from the
	// queue before it is considered lost rather than mid-admission.
	StaleAfter time.Duration
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Attacher   Attacher
	// OnCompleted is called for every job whose stored outcome was filled
	// in by recovery.
	OnCompleted func(ctx context.Context, job *jobx.Job)
}

func defaultOptions() Options {
	return Options{
		BatchSize:   500,
		Concurrency: 8,
		JobTimeout:  30 * time.Second,
		StaleAfter:  time.Minute,
		Clock:       clock.C,
	}
}

type Option func(*Options)

func WithBatchSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BatchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(o *Options) { o.JobTimeout = d }
}

func WithStaleAfter(d time.Duration) Option {
	return func(o *Options) { o.StaleAfter = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithAttacher sets who takes over jobs still executing on their backend.
// Without one they are handed to the queue and resumed by the next claimer.
func WithAttacher(a Attacher) Option {
	return func(o *Options) { o.Attacher = a }
}

func WithOnCompleted(fn func(ctx context.Context, job *jobx.Job)) Option {
	return func(o *Options) { o.OnCompleted = fn }
}
