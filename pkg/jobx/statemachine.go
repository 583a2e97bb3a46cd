package jobx

import (
	"time"

	"github.com/Abraxas-365/qorch/pkg/ptrx"
)

// transitions lists the states reachable from each non-terminal state.
// Claimed, Submitted and Running may fall back to Queued when an attempt is
// retried; every pre-terminal state may be canceled.
var transitions = map[State][]State{
	StateCreated:   {StateQueued, StateCanceled},
	StateQueued:    {StateClaimed, StateCanceled},
	StateClaimed:   {StateSubmitted, StateQueued, StateFailed, StateCanceled},
	StateSubmitted: {StateRunning, StateCompleted, StateFailed, StateQueued, StateCanceled},
	StateRunning:   {StateCompleted, StateFailed, StateQueued, StateCanceled},
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every state from which to is reachable in one step.
// Stores use it to build compare-and-swap predicates.
func Sources(to State) []State {
	var out []State
	for _, from := range []State{StateCreated, StateQueued, StateClaimed, StateSubmitted, StateRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Transition moves j to state to at now, maintaining timestamps and the version.
// The job is left untouched when the move is not permitted.
func (j *Job) Transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return InvalidTransition(j.ID, j.State, to)
	}

	now = now.UTC()
	switch {
	case to == StateSubmitted && j.StartedAt == nil:
		j.StartedAt = ptrx.Time(now)
	case to.IsTerminal():
		j.CompletedAt = ptrx.Time(now)
	case to == StateQueued && j.State.InFlight():
		j.Attempts++
	}

	j.State = to
	j.Version++
	j.UpdatedAt = now
	return nil
}

// Validate checks the fields required at submission.
func (j *Job) Validate() error {
	switch {
	case j.Owner.IsEmpty():
		return InvalidJob("owner is required")
	case j.BackendTarget == "":
		return InvalidJob("backend target is required")
	case j.Shots <= 0:
		return InvalidJob("shots must be positive")
	case !j.Priority.Valid():
		return InvalidJob("unknown priority class")
	}
	for _, dep := range j.DependsOn {
		if dep.IsEmpty() || dep == j.ID {
			return InvalidJob("invalid dependency")
		}
	}
	return nil
}
