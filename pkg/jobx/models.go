package jobx

import (
	"strings"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/ptrx"
)

// State represents the current lifecycle state of a job.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateClaimed   State = "claimed"
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// InFlight reports whether a worker owns the job (Claimed, Submitted or Running).
func (s State) InFlight() bool {
	return s == StateClaimed || s == StateSubmitted || s == StateRunning
}

// ParseState parses a state name.
func ParseState(s string) (State, bool) {
	st := State(strings.ToLower(s))
	switch st {
	case StateCreated, StateQueued, StateClaimed, StateSubmitted,
		StateRunning, StateCompleted, StateFailed, StateCanceled:
		return st, true
	}
	return "", false
}

// PriorityClass orders work in the queue. Lower values are served first.
type PriorityClass int

const (
	PriorityHigh PriorityClass = iota
	PriorityNormal
	PriorityLow
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Valid reports whether p is one of the three classes.
func (p PriorityClass) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Raise returns the next more urgent class, stopping at High.
func (p PriorityClass) Raise() PriorityClass {
	if p <= PriorityHigh {
		return PriorityHigh
	}
	return p - 1
}

// Lower returns the next less urgent class, stopping at Low.
func (p PriorityClass) Lower() PriorityClass {
	if p >= PriorityLow {
		return PriorityLow
	}
	return p + 1
}

// ParsePriority parses "high", "normal" or "low". The empty string is Normal.
func ParsePriority(s string) (PriorityClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, true
	case "", "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	}
	return PriorityNormal, false
}

// Priorities lists every class in service order.
var Priorities = []PriorityClass{PriorityHigh, PriorityNormal, PriorityLow}

// Outcome is the measured result of one execution on a backend.
type Outcome struct {
	Counts          map[string]int64  `json:"counts"`
	Shots           int               `json:"shots"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Job is the unit of work owned by the Job Store.
type Job struct {
	ID             kernel.JobID    `json:"id"`
	Owner          kernel.ClientID `json:"owner"`
	BackendTarget  string          `json:"backend_target"`
	Shots          int             `json:"shots"`
	CircuitPayload []byte          `json:"circuit_payload,omitempty"`
	Priority       PriorityClass   `json:"priority"`
	State          State           `json:"state"`
	Result         *Outcome        `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	// DependsOn lists jobs that must complete before this one is queued.
	DependsOn []kernel.JobID `json:"depends_on,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.CircuitPayload != nil {
		c.CircuitPayload = append([]byte(nil), j.CircuitPayload...)
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.DependsOn != nil {
		c.DependsOn = append([]kernel.JobID(nil), j.DependsOn...)
	}
	if j.StartedAt != nil {
		c.StartedAt = ptrx.Of(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		c.CompletedAt = ptrx.Of(*j.CompletedAt)
	}
	return &c
}

// MilestoneKind names the progress fact recorded by a checkpoint.
type MilestoneKind string

const (
	MilestoneCreated          MilestoneKind = "created"
	MilestoneSubmitted        MilestoneKind = "submitted"
	MilestoneRunning          MilestoneKind = "running"
	MilestoneCompletedPending MilestoneKind = "completed_pending"
)

// Milestone is the payload of a checkpoint.
type Milestone struct {
	Kind         MilestoneKind `json:"kind"`
	BackendJobID string        `json:"backend_job_id,omitempty"`
	Progress     float64       `json:"progress,omitempty"`
	Outcome      *Outcome      `json:"outcome,omitempty"`
}

func Created() Milestone {
	return Milestone{Kind: MilestoneCreated}
}

func Submitted(backendJobID string) Milestone {
	return Milestone{Kind: MilestoneSubmitted, BackendJobID: backendJobID}
}

func Running(backendJobID string, progress float64) Milestone {
	return Milestone{Kind: MilestoneRunning, BackendJobID: backendJobID, Progress: progress}
}

func CompletedPending(outcome *Outcome) Milestone {
	return Milestone{Kind: MilestoneCompletedPending, Outcome: outcome}
}

// Checkpoint is an immutable milestone record. Only the newest one per job is
// authoritative for recovery.
type Checkpoint struct {
	ID        int64        `json:"id"`
	JobID     kernel.JobID `json:"job_id"`
	Milestone Milestone    `json:"milestone"`
	CreatedAt time.Time    `json:"created_at"`
}
