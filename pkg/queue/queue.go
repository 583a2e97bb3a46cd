// Package queue defines the shared, priority-ordered work list and its claim
// protocol. Every mutation is a single atomic operation on the shared store.
package queue

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
)

// ClassOffset separates priority classes in score space, in milliseconds.
// It is far larger than any Unix millisecond timestamp, so every High entry
// sorts before every Normal entry and so on.
const ClassOffset = 1e15

// DefaultLease is how long a claim stays valid without renewal.
const DefaultLease = 5 * time.Minute

// Score is the ordering key of an entry: lower is served first.
func Score(class jobx.PriorityClass, admittedMs int64) float64 {
	return float64(class)*ClassOffset + float64(admittedMs)
}

// Claim is a time-bounded assignment of a job to one worker.
type Claim struct {
	JobID    kernel.JobID `json:"job_id"`
	WorkerID string       `json:"worker_id"`
	Expiry   time.Time    `json:"expiry"`
}

// Expired reports whether the lease has lapsed at now.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// ClaimResult is returned by a successful ClaimNext.
type ClaimResult struct {
	Claim    Claim
	Priority jobx.PriorityClass

	// Expired lists abandoned claims found while claiming. Their jobs were
	// re-enqueued with the retry boost before this claim was taken.
	Expired []Claim
}

// Enqueuer adds work.
type Enqueuer interface {
	// Enqueue is idempotent per job: a second call replaces the prior position
	// and drops any claim on the job.
	Enqueue(ctx context.Context, id kernel.JobID, class jobx.PriorityClass) error
}

// Claimer takes and gives back work.
type Claimer interface {
	// ClaimNext atomically takes the lowest-score entry across all classes.
	// Returns ErrEmpty when there is nothing to claim.
	ClaimNext(ctx context.Context, workerID string) (*ClaimResult, error)
	// ClaimJob claims a specific job that is not held by another live claim.
	ClaimJob(ctx context.Context, id kernel.JobID, workerID string) (bool, error)
	// Extend renews a claim held by workerID. False means the claim was lost.
	Extend(ctx context.Context, id kernel.JobID, workerID string) (bool, error)
	// Release drops the claim and re-enqueues with the retry boost.
	Release(ctx context.Context, id kernel.JobID, class jobx.PriorityClass) error
	// Complete drops the claim permanently.
	Complete(ctx context.Context, id kernel.JobID) error
	// Remove deletes the job from both the queue and the claim set.
	Remove(ctx context.Context, id kernel.JobID) error
}

// Inspector reads queue state without mutating it.
type Inspector interface {
	// Owner returns the live claim on a job, or nil when there is none.
	Owner(ctx context.Context, id kernel.JobID) (*Claim, error)
	// Contains reports whether the job is waiting or claimed.
	Contains(ctx context.Context, id kernel.JobID) (bool, error)
	// Waiting reports whether the job sits in the ready set.
	Waiting(ctx context.Context, id kernel.JobID) (bool, error)
	// Depth counts waiting entries per class.
	Depth(ctx context.Context) (map[jobx.PriorityClass]int64, error)
}

// Queue combines all queue operations.
type Queue interface {
	Enqueuer
	Claimer
	Inspector
}
