// Package backend defines the contract the orchestrator needs from an
// execution backend, a registry of configured backends, and a circuit
// breaker that isolates failing ones.
package backend

import (
	"context"

	"github.com/Abraxas-365/qorch/pkg/jobx"
)

// State is a backend's view of one execution.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status is returned by Backend.Status.
type Status struct {
	State State `json:"state"`
	// Reason is set when State is StateFailed.
	Reason   string  `json:"reason,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// Backend executes circuits. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Submit(ctx context.Context, payload []byte, shots int) (string, error)
	// Status returns ErrJobNotFound when the backend has no record of the id.
	Status(ctx context.Context, backendJobID string) (Status, error)
	Result(ctx context.Context, backendJobID string) (*jobx.Outcome, error)
}

// Aborter is implemented by backends that can cancel an execution.
type Aborter interface {
	Abort(ctx context.Context, backendJobID string) (bool, error)
}
