// Package workflow holds jobs in Created until every job they depend on has
// completed, then queues them. A job whose dependency failed, was canceled or
// was retired before completing is canceled instead.
package workflow

import (
	"context"
	"fmt"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/hashicorp/go-multierror"
)

// Readiness says whether a held job can run.
type Readiness int

const (
	Waiting Readiness = iota
	Ready
	Broken
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Broken:
		return "broken"
	}
	return "waiting"
}

// Evaluate folds the states of a job's parents. The reason names the first
// parent that broke the job.
func Evaluate(parents []*jobx.Job) (Readiness, string) {
	ready := Ready
	for _, p := range parents {
		switch p.State {
		case jobx.StateCompleted:
		case jobx.StateFailed, jobx.StateCanceled:
			return Broken, fmt.Sprintf("dependency %s %s", p.ID, p.State)
		default:
			ready = Waiting
		}
	}
	return ready, ""
}

// Check loads every parent and evaluates them. A parent that no longer exists
// breaks the job.
func Check(ctx context.Context, store jobx.Store, parents []kernel.JobID) (Readiness, string, error) {
	jobs := make([]*jobx.Job, 0, len(parents))
	for _, id := range parents {
		p, err := store.Get(ctx, id)
		if errx.IsCode(err, jobx.ErrJobNotFound) {
			return Broken, fmt.Sprintf("dependency %s not found", id), nil
		}
		if err != nil {
			return Waiting, "", err
		}
		jobs = append(jobs, p)
	}
	r, reason := Evaluate(jobs)
	return r, reason, nil
}

// Stats summarizes one sweep.
type Stats struct {
	Held     int
	Released int
	Canceled int
}

// Releaser moves held jobs forward. It is safe to run on several nodes; every
// move is a compare-and-swap on the job.
type Releaser struct {
	store jobx.Store
	queue queue.Queue
	opts  Options
}

func NewReleaser(store jobx.Store, q queue.Queue, options ...Option) *Releaser {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Releaser{store: store, queue: q, opts: opts}
}

// Sweep checks every held job once.
func (r *Releaser) Sweep(ctx context.Context) (*Stats, error) {
	jobs, err := r.store.ListByState(ctx, jobx.StateCreated, r.opts.BatchSize)
	if err != nil {
		return nil, scanFailed(err)
	}

	stats := &Stats{}
	var errs error
	for _, job := range jobs {
		if len(job.DependsOn) == 0 {
			continue
		}
		res, err := r.Release(ctx, job)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		switch res {
		case Ready:
			stats.Released++
		case Broken:
			stats.Canceled++
		default:
			stats.Held++
		}
	}

	if stats.Released+stats.Canceled > 0 {
		logx.WithFields(logx.Fields{
			"released": stats.Released,
			"canceled": stats.Canceled,
			"held":     stats.Held,
		}).Info("workflow: sweep finished")
	}
	return stats, errs
}

// Release queues job when its dependencies completed and cancels it when one
// of them cannot complete anymore.
func (r *Releaser) Release(ctx context.Context, job *jobx.Job) (Readiness, error) {
	res, reason, err := Check(ctx, r.store, job.DependsOn)
	if err != nil {
		return Waiting, releaseFailed(job.ID, "check", err)
	}

	log := logx.WithField("job_id", job.ID)
	switch res {
	case Ready:
		if err := r.store.UpdateState(ctx, job.ID, jobx.StateQueued); err != nil {
			return lostRace(job.ID, "queue", err)
		}
		if err := r.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
			// Queued jobs missing from the queue are picked up by recovery.
			log.WithError(err).Warn("workflow: enqueue failed, leaving job to recovery")
		}
		log.Info("workflow: dependencies completed, job queued")
	case Broken:
		if err := r.store.UpdateState(ctx, job.ID, jobx.StateCanceled); err != nil {
			return lostRace(job.ID, "cancel", err)
		}
		log.WithField("reason", reason).Warn("workflow: dependency cannot complete, job canceled")
	}
	return res, nil
}

// lostRace treats a rejected transition as someone else having moved the job.
func lostRace(id kernel.JobID, step string, err error) (Readiness, error) {
	if errx.IsCode(err, jobx.ErrInvalidTransition) {
		logx.WithField("job_id", id).Debugf("workflow: job moved during %s, skipping", step)
		return Waiting, nil
	}
	return Waiting, releaseFailed(id, step, err)
}
