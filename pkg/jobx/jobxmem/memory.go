// Package jobxmem is an in-memory Job Store and Checkpoint Log for
// single-process deployments and tests.
package jobxmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/WatchBeam/clock"
)

// Store implements jobx.Store with a mutex-guarded map.
type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	jobs        map[kernel.JobID]*jobx.Job
	checkpoints map[kernel.JobID][]jobx.Checkpoint
	nextCP      int64
	down        error
}

var _ jobx.Store = (*Store)(nil)

// New creates an empty store. A nil clock uses the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.C
	}
	return &Store{
		clock:       clk,
		jobs:        make(map[kernel.JobID]*jobx.Job),
		checkpoints: make(map[kernel.JobID][]jobx.Checkpoint),
	}
}

// SetUnavailable makes every call fail with StorageUnavailable(cause) until
// called again with nil.
func (s *Store) SetUnavailable(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = cause
}

func (s *Store) check() error {
	if s.down != nil {
		return jobx.StorageUnavailable(s.down)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, job *jobx.Job) (kernel.JobID, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	stored := job.Clone()
	if stored.ID.IsEmpty() {
		stored.ID = kernel.NewJobID()
	}
	if _, exists := s.jobs[stored.ID]; exists {
		return "", jobx.InvalidJob("job id already exists")
	}
	stored.State = jobx.StateCreated
	stored.Result = nil
	stored.Error = ""
	stored.Attempts = 0
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.StartedAt = nil
	stored.CompletedAt = nil

	s.jobs[stored.ID] = stored
	s.appendCheckpoint(stored.ID, jobx.Created(), now)
	return stored.ID, nil
}

func (s *Store) Get(ctx context.Context, id kernel.JobID) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobx.NotFound(id)
	}
	return job.Clone(), nil
}

func (s *Store) UpdateState(ctx context.Context, id kernel.JobID, to jobx.State) error {
	return s.mutate(id, func(job *jobx.Job, now time.Time) error {
		return job.Transition(to, now)
	})
}

func (s *Store) StoreResult(ctx context.Context, id kernel.JobID, outcome *jobx.Outcome) error {
	return s.mutate(id, func(job *jobx.Job, now time.Time) error {
		if job.Result != nil {
			return jobx.InvalidTransition(id, job.State, jobx.StateCompleted)
		}
		if err := job.Transition(jobx.StateCompleted, now); err != nil {
			return err
		}
		r := *outcome
		job.Result = &r
		return nil
	})
}

func (s *Store) Fail(ctx context.Context, id kernel.JobID, reason string) error {
	return s.mutate(id, func(job *jobx.Job, now time.Time) error {
		if err := job.Transition(jobx.StateFailed, now); err != nil {
			return err
		}
		job.Error = reason
		return nil
	})
}

func (s *Store) Requeue(ctx context.Context, id kernel.JobID) error {
	return s.mutate(id, func(job *jobx.Job, now time.Time) error {
		if !job.State.InFlight() {
			return jobx.InvalidTransition(id, job.State, jobx.StateQueued)
		}
		return job.Transition(jobx.StateQueued, now)
	})
}

// mutate applies fn to a scratch copy and commits it only on success.
func (s *Store) mutate(id kernel.JobID, fn func(*jobx.Job, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	job, ok := s.jobs[id]
	if !ok {
		return jobx.NotFound(id)
	}
	scratch := job.Clone()
	if err := fn(scratch, s.clock.Now()); err != nil {
		return err
	}
	s.jobs[id] = scratch
	return nil
}

func (s *Store) DeleteRetired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var n int64
	for id, job := range s.jobs {
		if job.State.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListByState(ctx context.Context, state jobx.State, limit int) ([]*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []*jobx.Job
	for _, job := range s.jobs {
		if job.State == state {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountActive(ctx context.Context, owner kernel.ClientID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	n := 0
	for _, job := range s.jobs {
		if job.Owner == owner && !job.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) Checkpoint(ctx context.Context, id kernel.JobID, m jobx.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if _, ok := s.jobs[id]; !ok {
		return jobx.NotFound(id)
	}
	s.appendCheckpoint(id, m, s.clock.Now().UTC())
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, id kernel.JobID) (*jobx.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	cps := s.checkpoints[id]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

// Checkpoints returns every checkpoint of a job, oldest first.
func (s *Store) Checkpoints(id kernel.JobID) []jobx.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobx.Checkpoint(nil), s.checkpoints[id]...)
}

// DropCheckpoints deletes a job's checkpoint history, simulating a lossy log.
func (s *Store) DropCheckpoints(id kernel.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
}

func (s *Store) appendCheckpoint(id kernel.JobID, m jobx.Milestone, now time.Time) {
	s.nextCP++
	if m.Outcome != nil {
		o := *m.Outcome
		m.Outcome = &o
	}
	s.checkpoints[id] = append(s.checkpoints[id], jobx.Checkpoint{
		ID:        s.nextCP,
		JobID:     id,
		Milestone: m,
		CreatedAt: now,
	})
}
