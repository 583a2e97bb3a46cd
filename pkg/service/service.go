// Package service is the inbound surface of the orchestrator: submission,
// status and cancellation on behalf of an authenticated client.
package service

import (
	"context"
	"fmt"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/metrics"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/Abraxas-365/qorch/pkg/sched"
	"github.com/Abraxas-365/qorch/pkg/workflow"
)

// cancelAttempts bounds the compare-and-swap retries of Cancel.
const cancelAttempts = 3

const (
	// MaxBatchSize caps the jobs in one batch submission.
	MaxBatchSize = 100
	// MaxDependencies caps the jobs one job may wait for.
	MaxDependencies = 32
)

// SubmitRequest is a job submission. Priority is the requested class; the
// gate decides the effective one.
type SubmitRequest struct {
	BackendTarget string             `json:"backend_target"`
	Payload       []byte             `json:"circuit_payload"`
	Shots         int                `json:"shots"`
	Priority      jobx.PriorityClass `json:"priority"`
	// DependsOn holds the job in Created until these jobs complete.
	DependsOn []kernel.JobID `json:"depends_on,omitempty"`
	// After names earlier items of the same batch to wait for, by index.
	After []int `json:"after,omitempty"`
}

// Submission is the outcome of one submitted job. In a batch, Err is set for
// items that were not accepted.
type Submission struct {
	JobID kernel.JobID
	State jobx.State
	Err   error
}

// Admitter is the admission gate. sched.Gate satisfies it.
type Admitter interface {
	Admit(ctx context.Context, req sched.AdmitRequest) (jobx.PriorityClass, error)
	Authorize(client kernel.ClientID, op string) error
}

// Aborter asks a backend to stop an execution. backend.Registry satisfies it.
type Aborter interface {
	Abort(ctx context.Context, name, backendJobID string) (bool, error)
}

// LocalCanceler stops an execution running on this node. worker.Worker satisfies it.
type LocalCanceler interface {
	Cancel(id kernel.JobID) bool
}

type Option func(*JobService)

func WithLocalCanceler(c LocalCanceler) Option {
	return func(s *JobService) { s.local = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *JobService) { s.metrics = m }
}

type JobService struct {
	store   jobx.Store
	queue   queue.Queue
	gate    Admitter
	aborter Aborter
	local   LocalCanceler
	metrics *metrics.Metrics
}

func NewJobService(store jobx.Store, q queue.Queue, gate Admitter, aborter Aborter, options ...Option) *JobService {
	s := &JobService{store: store, queue: q, gate: gate, aborter: aborter}
	for _, o := range options {
		o(s)
	}
	return s
}

// SubmitJob admits, persists and enqueues a job for the client in ctx.
func (s *JobService) SubmitJob(ctx context.Context, req SubmitRequest) (kernel.JobID, error) {
	sub, err := s.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return sub.JobID, nil
}

// Submit is SubmitJob that also reports the state the job was left in:
// Queued, or Created while it waits for its dependencies.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	cc, err := s.submitter(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.After) > 0 {
		return nil, InvalidRequest("after is only valid in a batch")
	}
	return s.submit(ctx, cc, req)
}

// SubmitBatch submits every request in order. Items are admitted one by one,
// so a rejected item does not stop the others; its Submission carries the
// error. An item may wait for earlier items through After.
func (s *JobService) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]Submission, error) {
	cc, err := s.submitter(ctx)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, InvalidRequest("batch is empty")
	}
	if len(reqs) > MaxBatchSize {
		return nil, InvalidRequest(fmt.Sprintf("batch exceeds %d jobs", MaxBatchSize))
	}

	out := make([]Submission, len(reqs))
	accepted := 0
	for i, req := range reqs {
		deps, err := batchDependencies(out, i, req)
		if err != nil {
			out[i].Err = err
			continue
		}
		req.DependsOn = deps
		req.After = nil

		sub, err := s.submit(ctx, cc, req)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i] = *sub
		accepted++
	}

	logx.WithFields(logx.Fields{
		"client_id": cc.ClientID,
		"jobs":      len(reqs),
		"accepted":  accepted,
	}).Info("service: batch submitted")
	return out, nil
}

// batchDependencies resolves the After indexes of item i against the items
// already submitted.
func batchDependencies(done []Submission, i int, req SubmitRequest) ([]kernel.JobID, error) {
	deps := append([]kernel.JobID(nil), req.DependsOn...)
	for _, k := range req.After {
		if k < 0 || k >= i {
			return nil, InvalidRequest(fmt.Sprintf("after must name an earlier item, got %d", k))
		}
		if done[k].Err != nil {
			return nil, InvalidRequest(fmt.Sprintf("depends on rejected item %d", k))
		}
		deps = append(deps, done[k].JobID)
	}
	return deps, nil
}

func (s *JobService) submitter(ctx context.Context) (*kernel.ClientContext, error) {
	cc, err := client(ctx)
	if err != nil {
		return nil, err
	}
	if !cc.IsAdmin() && !cc.HasScope(kernel.ScopeJobsSubmit) {
		return nil, Forbidden(kernel.ScopeJobsSubmit)
	}
	return cc, nil
}

func (s *JobService) submit(ctx context.Context, cc *kernel.ClientContext, req SubmitRequest) (*Submission, error) {
	if req.BackendTarget == "" {
		return nil, InvalidRequest("backend_target is required")
	}
	if req.Shots <= 0 {
		return nil, InvalidRequest("shots must be positive")
	}
	if len(req.Payload) == 0 {
		return nil, InvalidRequest("circuit_payload is required")
	}
	ready, err := s.dependencies(ctx, cc, req.DependsOn)
	if err != nil {
		return nil, err
	}

	class, err := s.gate.Admit(ctx, sched.AdmitRequest{
		ClientID:          cc.ClientID,
		Scopes:            cc.Scopes,
		RequestedPriority: req.Priority,
		BackendTarget:     req.BackendTarget,
		Shots:             req.Shots,
	})
	if err != nil {
		return nil, err
	}

	id, err := s.store.Create(ctx, &jobx.Job{
		Owner:          cc.ClientID,
		BackendTarget:  req.BackendTarget,
		Shots:          req.Shots,
		CircuitPayload: req.Payload,
		Priority:       class,
		DependsOn:      req.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.JobSubmitted(class)

	log := logx.WithFields(logx.Fields{
		"job_id":    id,
		"client_id": cc.ClientID,
		"backend":   req.BackendTarget,
		"priority":  class.String(),
	})
	if !ready {
		log.WithField("depends_on", len(req.DependsOn)).Info("service: job held until its dependencies complete")
		return &Submission{JobID: id, State: jobx.StateCreated}, nil
	}

	if err := s.store.UpdateState(ctx, id, jobx.StateQueued); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, id, class); err != nil {
		// The job is durable; recovery re-enqueues stranded Queued jobs.
		log.WithError(err).Warn("service: enqueue failed, leaving job to recovery")
	} else {
		log.Info("service: job submitted")
	}
	return &Submission{JobID: id, State: jobx.StateQueued}, nil
}

// dependencies checks that every parent is visible to cc and can still
// complete. It reports whether all of them already have.
func (s *JobService) dependencies(ctx context.Context, cc *kernel.ClientContext, ids []kernel.JobID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	if len(ids) > MaxDependencies {
		return false, InvalidRequest(fmt.Sprintf("a job may depend on at most %d jobs", MaxDependencies))
	}

	seen := make(map[kernel.JobID]bool, len(ids))
	parents := make([]*jobx.Job, 0, len(ids))
	for _, id := range ids {
		if id.IsEmpty() || seen[id] {
			return false, InvalidRequest("depends_on has an empty or repeated job id")
		}
		seen[id] = true

		p, err := s.owned(ctx, cc, id)
		if errx.IsCode(err, jobx.ErrJobNotFound) {
			return false, InvalidRequest("unknown dependency " + id.String())
		}
		if err != nil {
			return false, err
		}
		parents = append(parents, p)
	}

	res, reason := workflow.Evaluate(parents)
	if res == workflow.Broken {
		return false, InvalidRequest(reason)
	}
	return res == workflow.Ready, nil
}

// GetStatus returns the job if the caller owns it or is an admin.
func (s *JobService) GetStatus(ctx context.Context, id kernel.JobID) (*jobx.Job, error) {
	cc, err := s.authorize(ctx, kernel.ScopeJobsRead)
	if err != nil {
		return nil, err
	}
	return s.owned(ctx, cc, id)
}

// Cancel moves the job to Canceled. Jobs waiting in the queue are removed at
// once; executions already on a backend are aborted on a best-effort basis.
// It returns false when the job had already finished.
func (s *JobService) Cancel(ctx context.Context, id kernel.JobID) (bool, error) {
	cc, err := s.authorize(ctx, kernel.ScopeJobsCancel)
	if err != nil {
		return false, err
	}
	job, err := s.owned(ctx, cc, id)
	if err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		if job.State.IsTerminal() {
			return false, nil
		}
		err = s.store.UpdateState(ctx, id, jobx.StateCanceled)
		if err == nil {
			break
		}
		if !errx.IsCode(err, jobx.ErrInvalidTransition) || attempt+1 >= cancelAttempts {
			return false, err
		}
		// The job moved under us; look again.
		if job, err = s.store.Get(ctx, id); err != nil {
			return false, err
		}
	}

	log := logx.WithFields(logx.Fields{"job_id": id, "client_id": cc.ClientID, "state": string(job.State)})
	if err := s.queue.Remove(ctx, id); err != nil {
		log.WithError(err).Warn("service: queue removal failed, claimer will drop the job")
	}
	if s.local != nil {
		s.local.Cancel(id)
	}
	s.abort(ctx, job, log)
	log.Info("service: job canceled")
	return true, nil
}

// abort asks the backend to stop an execution the job already started there.
func (s *JobService) abort(ctx context.Context, job *jobx.Job, log *logx.Entry) {
	if s.aborter == nil || !job.State.InFlight() {
		return
	}
	cp, err := s.store.LatestCheckpoint(ctx, job.ID)
	if err != nil || cp == nil || cp.Milestone.BackendJobID == "" {
		return
	}
	ok, err := s.aborter.Abort(ctx, job.BackendTarget, cp.Milestone.BackendJobID)
	if err != nil {
		log.WithError(err).Warn("service: backend abort failed")
		return
	}
	log.WithField("aborted", ok).Debug("service: backend abort requested")
}

func (s *JobService) authorize(ctx context.Context, op string) (*kernel.ClientContext, error) {
	cc, err := client(ctx)
	if err != nil {
		return nil, err
	}
	if cc.IsAdmin() {
		return cc, nil
	}
	if !cc.HasScope(op) {
		return nil, Forbidden(op)
	}
	if err := s.gate.Authorize(cc.ClientID, op); err != nil {
		return nil, err
	}
	return cc, nil
}

// owned loads a job visible to cc. Other clients' jobs read as not found.
func (s *JobService) owned(ctx context.Context, cc *kernel.ClientContext, id kernel.JobID) (*jobx.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != cc.ClientID && !cc.IsAdmin() {
		return nil, jobx.NotFound(id)
	}
	return job, nil
}

func client(ctx context.Context) (*kernel.ClientContext, error) {
	cc, ok := kernel.ClientFrom(ctx)
	if !ok || !cc.IsValid() {
		return nil, Unauthenticated()
	}
	return cc, nil
}
