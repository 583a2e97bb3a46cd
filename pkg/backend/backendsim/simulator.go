// Package backendsim is a clock-driven backend that executes nothing. It is
// used for local development and by tests that need backend behavior on
// demand: delays, failures, lost records and outages.
package backendsim

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
)

type execution struct {
	payload     []byte
	shots       int
	submittedAt time.Time
	failReason  string
	aborted     bool
}

// Simulator implements backend.Backend and backend.Aborter.
type Simulator struct {
	name       string
	clock      clock.Clock
	queueDelay time.Duration
	runTime    time.Duration
	qubits     int

	mu        sync.Mutex
	execs     map[string]*execution
	outage    error
	failNext  string
	submitted int
}

var (
	_ backend.Backend = (*Simulator)(nil)
	_ backend.Aborter = (*Simulator)(nil)
)

// Option configures a Simulator.
type Option func(*Simulator)

func WithClock(c clock.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithTiming sets how long an execution waits before running and how long it runs.
func WithTiming(queueDelay, runTime time.Duration) Option {
	return func(s *Simulator) {
		s.queueDelay = queueDelay
		s.runTime = runTime
	}
}

// WithQubits sets the width of the measured bitstrings.
func WithQubits(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.qubits = n
		}
	}
}

func New(name string, opts ...Option) *Simulator {
	s := &Simulator{
		name:    name,
		clock:   clock.C,
		runTime: time.Second,
		qubits:  2,
		execs:   make(map[string]*execution),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulator) Name() string { return s.name }

// SetOutage makes every call fail with backend.ErrUnavailable until cleared with nil.
func (s *Simulator) SetOutage(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = cause
}

// FailNextSubmission makes the next accepted execution end in Failed with reason.
func (s *Simulator) FailNextSubmission(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = reason
}

// Forget drops the record of an execution, as a backend that lost state would.
func (s *Simulator) Forget(backendJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, backendJobID)
}

// Submissions counts accepted executions.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

func (s *Simulator) Submit(ctx context.Context, payload []byte, shots int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return "", backend.Unavailable(s.name, s.outage)
	}
	if shots <= 0 {
		return "", backend.Rejected(s.name, "shots must be positive")
	}

	id := fmt.Sprintf("%s-%s", s.name, uuid.NewString())
	s.execs[id] = &execution{
		payload:     append([]byte(nil), payload...),
		shots:       shots,
		submittedAt: s.clock.Now(),
		failReason:  s.failNext,
	}
	s.failNext = ""
	s.submitted++
	return id, nil
}

func (s *Simulator) Status(ctx context.Context, backendJobID string) (backend.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return backend.Status{}, backend.Unavailable(s.name, s.outage)
	}

	e, ok := s.execs[backendJobID]
	if !ok {
		return backend.Status{}, backend.JobNotFound(s.name, backendJobID)
	}
	return s.status(e), nil
}

func (s *Simulator) status(e *execution) backend.Status {
	if e.aborted {
		return backend.Status{State: backend.StateFailed, Reason: "aborted"}
	}

	elapsed := s.clock.Now().Sub(e.submittedAt)
	switch {
	case elapsed < s.queueDelay:
		return backend.Status{State: backend.StateQueued}
	case elapsed < s.queueDelay+s.runTime:
		progress := float64(elapsed-s.queueDelay) / float64(s.runTime)
		return backend.Status{State: backend.StateRunning, Progress: progress}
	case e.failReason != "":
		return backend.Status{State: backend.StateFailed, Reason: e.failReason}
	default:
		return backend.Status{State: backend.StateCompleted, Progress: 1}
	}
}

func (s *Simulator) Result(ctx context.Context, backendJobID string) (*jobx.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return nil, backend.Unavailable(s.name, s.outage)
	}

	e, ok := s.execs[backendJobID]
	if !ok {
		return nil, backend.JobNotFound(s.name, backendJobID)
	}
	if st := s.status(e); st.State != backend.StateCompleted {
		return nil, backend.ResultMissing(s.name, backendJobID, st.State)
	}
	return s.outcome(e), nil
}

func (s *Simulator) Abort(ctx context.Context, backendJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return false, backend.Unavailable(s.name, s.outage)
	}

	e, ok := s.execs[backendJobID]
	if !ok {
		return false, nil
	}
	if st := s.status(e); st.State == backend.StateCompleted || st.State == backend.StateFailed {
		return false, nil
	}
	e.aborted = true
	return true, nil
}

// outcome splits the shots between the all-zeros and all-ones bitstrings,
// deterministically per payload, like a noisy Bell measurement.
func (s *Simulator) outcome(e *execution) *jobx.Outcome {
	h := fnv.New32a()
	h.Write(e.payload)
	skew := int(h.Sum32()%11) - 5

	zeros := e.shots/2 + e.shots*skew/100
	if zeros < 0 {
		zeros = 0
	}
	if zeros > e.shots {
		zeros = e.shots
	}

	return &jobx.Outcome{
		Counts: map[string]int64{
			strings.Repeat("0", s.qubits): int64(zeros),
			strings.Repeat("1", s.qubits): int64(e.shots - zeros),
		},
		Shots:           e.shots,
		ExecutionTimeMs: (s.queueDelay + s.runTime).Milliseconds(),
		Metadata:        map[string]string{"backend": s.name},
	}
}
