// Package jobx holds the job model, its lifecycle state machine and the
// ports of the durable Job Store and Checkpoint Log.
package jobx

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
)

// JobWriter mutates job records. Every state change is a compare-and-swap on
// the current state; a lost race returns ErrInvalidTransition.
type JobWriter interface {
	// Create persists job in state Created together with a Created checkpoint.
	Create(ctx context.Context, job *Job) (kernel.JobID, error)
	UpdateState(ctx context.Context, id kernel.JobID, to State) error
	// StoreResult sets the result once and moves Submitted/Running to Completed.
	StoreResult(ctx context.Context, id kernel.JobID, outcome *Outcome) error
	// Fail moves an in-flight job to Failed with reason.
	Fail(ctx context.Context, id kernel.JobID, reason string) error
	// Requeue returns an in-flight job to Queued and counts the attempt.
	Requeue(ctx context.Context, id kernel.JobID) error
	// DeleteRetired removes terminal jobs completed before cutoff.
	DeleteRetired(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobReader reads job records.
type JobReader interface {
	Get(ctx context.Context, id kernel.JobID) (*Job, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Job, error)
	// CountActive counts the owner's jobs that are not terminal.
	CountActive(ctx context.Context, owner kernel.ClientID) (int, error)
}

// CheckpointLog is the append-only milestone record used by recovery.
type CheckpointLog interface {
	Checkpoint(ctx context.Context, id kernel.JobID, m Milestone) error
	// LatestCheckpoint returns nil, nil when the job has no checkpoint.
	LatestCheckpoint(ctx context.Context, id kernel.JobID) (*Checkpoint, error)
}

// Store combines all persistence operations.
type Store interface {
	JobWriter
	JobReader
	CheckpointLog
}
