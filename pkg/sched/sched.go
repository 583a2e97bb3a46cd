// Package sched decides whether a submission is admitted and at which
// priority class it enters the queue.
package sched

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
)

// RateLimiter counts events in a sliding window.
type RateLimiter interface {
	// Allow records an event for key when fewer than limit events happened
	// within window, and reports whether it did.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// UsageTracker keeps rolling per-client completion counts.
type UsageTracker interface {
	RecordCompletion(ctx context.Context, client kernel.ClientID) error
	// Usage returns the client's completions and the total across all clients
	// within the tracking window.
	Usage(ctx context.Context, client kernel.ClientID) (own, total int64, err error)
}

// ActiveCounter counts a client's non-terminal jobs. jobx.JobReader satisfies it.
type ActiveCounter interface {
	CountActive(ctx context.Context, owner kernel.ClientID) (int, error)
}

// BackendCatalog reports whether a backend is configured. backend.Registry satisfies it.
type BackendCatalog interface {
	Has(name string) bool
}

// Fairness thresholds on actualShare / fairShareWeight.
const (
	BoostBelow  = 0.5
	ReduceAbove = 2.0
)
