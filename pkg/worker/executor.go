package worker

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/cenkalti/backoff/v4"
)

// progressStep is the smallest progress change worth a Running checkpoint.
const progressStep = 0.1

// persistTimeout bounds writes that must land even after the execution was canceled.
const persistTimeout = 10 * time.Second

// execution is one claimed job on this node.
type execution struct {
	w     *Worker
	claim queue.Claim
	class jobx.PriorityClass
	job   *jobx.Job
}

func (e *execution) log() *logx.Entry {
	return logx.WithFields(logx.Fields{
		"job_id":    e.claim.JobID,
		"worker_id": e.claim.WorkerID,
	})
}

func (w *Worker) execute(ctx context.Context, c queue.Claim, class jobx.PriorityClass) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e := &execution{w: w, claim: c, class: class}
	go e.keepLease(ctx, cancel)

	begin := w.opts.Clock.Now()
	w.opts.Metrics.JobStarted()
	final, err := e.run(ctx)
	w.opts.Metrics.JobStopped(final, w.opts.Clock.Now().Sub(begin))

	if final.IsTerminal() && w.opts.OnFinished != nil && e.job != nil {
		w.opts.OnFinished(context.WithoutCancel(ctx), e.job)
	}
	if err == nil {
		return
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errClaimLost), errors.Is(cause, errJobCanceled):
		e.log().WithField("cause", cause.Error()).Debug("worker: execution stopped")
	case errors.Is(cause, errShutdown):
		e.handBack(ctx)
	default:
		e.log().WithError(err).Error("worker: execution aborted, handing job back")
		e.handBack(ctx)
	}
}

// handBack releases the claim so another node resumes from the latest
// checkpoint. The store is left as is.
func (e *execution) handBack(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.w.queue.Release(pctx, e.claim.JobID, e.class); err != nil {
		e.log().WithError(err).Warn("worker: release failed, claim will lapse")
		return
	}
	e.log().Info("worker: claim handed back")
}

func (e *execution) keepLease(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(e.w.opts.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.w.queue.Extend(ctx, e.claim.JobID, e.claim.WorkerID)
			if err != nil {
				if ctx.Err() == nil {
					e.log().WithError(err).Warn("worker: lease extension failed")
				}
				continue
			}
			if !ok {
				e.log().Warn("worker: claim lost, stopping execution")
				cancel(errClaimLost)
				return
			}
		}
	}
}

// run drives the job from whatever state the store holds to a terminal state
// or back to the queue. It returns the terminal state reached, if any.
func (e *execution) run(ctx context.Context) (jobx.State, error) {
	store := e.w.store
	id := e.claim.JobID

	job, err := store.Get(ctx, id)
	if errx.IsCode(err, jobx.ErrJobNotFound) {
		e.log().Warn("worker: claimed job has no record, dropping it")
		return "", e.w.queue.Complete(ctx, id)
	}
	if err != nil {
		return "", err
	}
	e.job = job
	if job.State.IsTerminal() {
		return "", e.w.queue.Complete(ctx, id)
	}

	cp, err := store.LatestCheckpoint(ctx, id)
	if err != nil {
		return "", err
	}

	switch job.State {
	case jobx.StateCreated:
		// Admission stopped between create and enqueue.
		if err := e.transition(ctx, jobx.StateQueued); err != nil {
			return e.lostRace(ctx, err)
		}
		fallthrough
	case jobx.StateQueued:
		if err := e.transition(ctx, jobx.StateClaimed); err != nil {
			return e.lostRace(ctx, err)
		}
		// Requeued while its backend execution was unreachable.
		if resumable(cp) {
			return e.resume(ctx, cp)
		}
	case jobx.StateClaimed, jobx.StateSubmitted, jobx.StateRunning:
		if cp == nil {
			// Whether the backend holds an execution is unknown.
			return e.fail(ctx, ReasonNoCheckpoint)
		}
		if resumable(cp) {
			return e.resume(ctx, cp)
		}
		// The previous holder never reached the backend; count the attempt.
		if job.Attempts >= e.w.opts.MaxRetries {
			return e.fail(ctx, ReasonRetriesExhausted)
		}
		if err := store.Requeue(ctx, id); err != nil {
			return e.lostRace(ctx, err)
		}
		job.Attempts++
		job.State = jobx.StateQueued
		if err := e.transition(ctx, jobx.StateClaimed); err != nil {
			return e.lostRace(ctx, err)
		}
	}
	return e.submit(ctx)
}

func resumable(cp *jobx.Checkpoint) bool {
	if cp == nil {
		return false
	}
	switch cp.Milestone.Kind {
	case jobx.MilestoneSubmitted, jobx.MilestoneRunning:
		return cp.Milestone.BackendJobID != ""
	case jobx.MilestoneCompletedPending:
		return cp.Milestone.Outcome != nil
	}
	return false
}

// resume continues an execution that already reached the backend.
func (e *execution) resume(ctx context.Context, cp *jobx.Checkpoint) (jobx.State, error) {
	if e.job.State == jobx.StateClaimed {
		if err := e.transition(ctx, jobx.StateSubmitted); err != nil {
			return e.lostRace(ctx, err)
		}
	}
	e.log().WithField("milestone", string(cp.Milestone.Kind)).Info("worker: resuming execution")

	if cp.Milestone.Kind == jobx.MilestoneCompletedPending {
		return e.finish(ctx, cp.Milestone.Outcome)
	}
	return e.watch(ctx, cp.Milestone.BackendJobID)
}

func (e *execution) submit(ctx context.Context) (jobx.State, error) {
	b, err := e.w.backends.Get(e.job.BackendTarget)
	if err != nil {
		return e.fail(ctx, ReasonUnknownBackend)
	}

	bid, err := b.Submit(ctx, e.job.CircuitPayload, e.job.Shots)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if backend.IsTransient(err) {
			return e.retry(ctx, err)
		}
		return e.fail(ctx, rejectionReason(err))
	}

	// The backend holds an execution now; record it even if we are being canceled.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.w.store.Checkpoint(pctx, e.job.ID, jobx.Submitted(bid)); err != nil {
		return "", err
	}
	if err := e.transition(pctx, jobx.StateSubmitted); err != nil {
		final, err := e.lostRace(ctx, err)
		if e.job.State == jobx.StateCanceled {
			e.abort(pctx, b, bid)
		}
		return final, err
	}
	e.log().WithField("backend_job_id", bid).Info("worker: submitted to backend")

	return e.watch(ctx, bid)
}

// watch polls the backend with exponential backoff until the execution ends.
func (e *execution) watch(ctx context.Context, bid string) (jobx.State, error) {
	b, err := e.w.backends.Get(e.job.BackendTarget)
	if err != nil {
		return e.fail(ctx, ReasonUnknownBackend)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.w.opts.StatusPollInterval
	bo.MaxInterval = e.w.opts.MaxStatusPollInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	lastProgress := -1.0
	failures := 0
	unreachable := func(err error) bool {
		failures++
		if failures < e.w.opts.StatusFailureLimit {
			e.log().WithError(err).WithField("failures", failures).Debug("worker: backend unreachable, polling again")
			return false
		}
		return true
	}
	for {
		st, err := b.Status(ctx, bid)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return "", ctx.Err()
		case errx.IsCode(err, backend.ErrJobNotFound):
			e.log().WithField("backend_job_id", bid).Warn("worker: backend lost the execution")
			return e.resubmit(ctx, err)
		default:
			if unreachable(err) {
				return e.retry(ctx, err)
			}
		}

		if err == nil {
			switch st.State {
			case backend.StateRunning:
				if e.job.State == jobx.StateSubmitted {
					if err := e.transition(ctx, jobx.StateRunning); err != nil {
						return e.lostRace(ctx, err)
					}
				}
				if lastProgress < 0 || st.Progress-lastProgress >= progressStep {
					if err := e.w.store.Checkpoint(ctx, e.job.ID, jobx.Running(bid, st.Progress)); err != nil {
						return "", err
					}
					lastProgress = st.Progress
					bo.Reset()
				}
			case backend.StateCompleted:
				out, err := b.Result(ctx, bid)
				switch {
				case err == nil:
					return e.finish(ctx, out)
				case ctx.Err() != nil:
					return "", ctx.Err()
				case errx.IsCode(err, backend.ErrJobNotFound):
					return e.resubmit(ctx, err)
				case unreachable(err):
					return e.retry(ctx, err)
				}
			case backend.StateFailed:
				reason := st.Reason
				if reason == "" {
					reason = ReasonBackendFailed
				}
				return e.fail(ctx, reason)
			}
		}

		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return "", err
		}
	}
}

func (e *execution) finish(ctx context.Context, out *jobx.Outcome) (jobx.State, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.w.store.Checkpoint(pctx, e.job.ID, jobx.CompletedPending(out)); err != nil {
		return "", err
	}
	if err := e.w.store.StoreResult(pctx, e.job.ID, out); err != nil {
		return e.lostRace(ctx, err)
	}
	e.job.State = jobx.StateCompleted
	e.job.Result = out
	if err := e.w.queue.Complete(pctx, e.job.ID); err != nil {
		e.log().WithError(err).Warn("worker: complete failed, claim will lapse")
	}
	e.log().Info("worker: job completed")
	return jobx.StateCompleted, nil
}

func (e *execution) fail(ctx context.Context, reason string) (jobx.State, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.w.store.Fail(pctx, e.job.ID, reason); err != nil {
		return e.lostRace(ctx, err)
	}
	e.job.State = jobx.StateFailed
	e.job.Error = reason
	if err := e.w.queue.Complete(pctx, e.job.ID); err != nil {
		e.log().WithError(err).Warn("worker: complete failed, claim will lapse")
	}
	e.log().WithField("reason", reason).Warn("worker: job failed")
	return jobx.StateFailed, nil
}

// retry sends the job back to the queue with the retry boost, or fails it
// once the retry budget is spent.
func (e *execution) retry(ctx context.Context, cause error) (jobx.State, error) {
	if e.job.Attempts >= e.w.opts.MaxRetries {
		return e.fail(ctx, ReasonRetriesExhausted)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.w.store.Requeue(pctx, e.job.ID); err != nil {
		return e.lostRace(ctx, err)
	}
	if err := e.w.queue.Release(pctx, e.job.ID, e.class); err != nil {
		return "", err
	}
	e.w.opts.Metrics.Retry()
	e.log().WithError(cause).WithField("attempt", e.job.Attempts+1).Warn("worker: transient failure, job requeued")
	return "", nil
}

// resubmit requeues a job whose backend execution is gone. The Created
// checkpoint makes the next claimer submit again instead of resuming.
func (e *execution) resubmit(ctx context.Context, cause error) (jobx.State, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.w.store.Checkpoint(pctx, e.job.ID, jobx.Created()); err != nil {
		return "", err
	}
	return e.retry(ctx, cause)
}

// abort stops a backend execution nobody will monitor.
func (e *execution) abort(ctx context.Context, b backend.Backend, bid string) {
	log := e.log().WithField("backend_job_id", bid)
	a, ok := b.(backend.Aborter)
	if !ok {
		log.Warn("worker: backend cannot abort, execution of canceled job keeps running")
		return
	}
	if _, err := a.Abort(ctx, bid); err != nil {
		log.WithError(err).Warn("worker: abort of canceled job failed")
		return
	}
	log.Info("worker: aborted backend execution of canceled job")
}

func (e *execution) transition(ctx context.Context, to jobx.State) error {
	if err := e.w.store.UpdateState(ctx, e.job.ID, to); err != nil {
		return err
	}
	e.job.State = to
	return nil
}

// lostRace handles a failed store write. A rejected transition means someone
// else moved the job, usually a cancellation; anything else is returned.
func (e *execution) lostRace(ctx context.Context, err error) (jobx.State, error) {
	if !errx.IsCode(err, jobx.ErrInvalidTransition) {
		return "", err
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	job, gerr := e.w.store.Get(pctx, e.job.ID)
	if gerr != nil {
		return "", gerr
	}
	e.job.State = job.State
	e.log().WithField("state", string(job.State)).Info("worker: job moved by another actor, stopping")
	if job.State.IsTerminal() {
		if err := e.w.queue.Complete(pctx, e.job.ID); err != nil {
			return "", err
		}
	}
	return "", nil
}

func rejectionReason(err error) string {
	var xe *errx.Error
	if errx.As(err, &xe) {
		if r := xe.Detail("reason"); r != "" {
			return "backend rejected: " + r
		}
		return xe.Message
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
