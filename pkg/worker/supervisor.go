package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"golang.org/x/sync/semaphore"
)

var (
	errShutdown    = errors.New("worker shutting down")
	errClaimLost   = errors.New("claim lost")
	errJobCanceled = errors.New("job canceled")
)

// Supervisor bounds the executions running on a node and owns their
// goroutines. Each execution gets a context that is canceled on shutdown or
// by Cancel.
type Supervisor struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[kernel.JobID]context.CancelCauseFunc
	wg      sync.WaitGroup
}

func NewSupervisor(slots int) *Supervisor {
	if slots <= 0 {
		slots = 1
	}
	return &Supervisor{
		sem:     semaphore.NewWeighted(int64(slots)),
		running: make(map[kernel.JobID]context.CancelCauseFunc),
	}
}

// TryAcquire reserves a slot. The caller must pass it to Go or give it back
// with Release.
func (s *Supervisor) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release returns a slot reserved with TryAcquire that was not used.
func (s *Supervisor) Release() {
	s.sem.Release(1)
}

// Go runs fn for job id on a reserved slot. The slot is returned when fn does.
func (s *Supervisor) Go(parent context.Context, id kernel.JobID, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel(nil)
		}()
		fn(ctx)
	}()
}

// Cancel stops the local execution of id, if any.
func (s *Supervisor) Cancel(id kernel.JobID) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel(errJobCanceled)
	}
	return ok
}

// Running reports whether id executes on this node.
func (s *Supervisor) Running(id kernel.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// InFlight returns the number of executions.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels every execution and waits up to timeout for them to return.
func (s *Supervisor) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel(errShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
