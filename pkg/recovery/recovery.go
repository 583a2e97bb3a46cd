// Package recovery reconciles jobs whose node went away. Each job is checked
// against its latest checkpoint and, when it reached a backend, against what
// the backend reports, then moved forward without executing it twice.
package recovery

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/asyncx"
	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/hashicorp/go-multierror"
)

// Action is the outcome of reconciling one job.
type Action string

const (
	ActionNone               Action = ""
	ActionCompletedWhileDown Action = "completed_while_down"
	ActionReattached         Action = "reattached"
	ActionFailedWhileDown    Action = "failed_while_down"
	ActionResubmitted        Action = "resubmitted"
	ActionMarkedFailed       Action = "marked_failed"
	ActionRequeued           Action = "requeued"
)

const (
	ReasonNoCheckpoint   = "no checkpoint"
	ReasonUnknownBackend = "unknown backend"
	ReasonBackendFailed  = "backend reported failure"
)

// scanStates are the non-terminal states a job can be stranded in.
var scanStates = []jobx.State{
	jobx.StateCreated,
	jobx.StateQueued,
	jobx.StateClaimed,
	jobx.StateSubmitted,
	jobx.StateRunning,
}

// Attacher takes over monitoring of a job whose backend execution is still
// going. worker.Worker satisfies it.
type Attacher interface {
	Attach(ctx context.Context, job *jobx.Job) error
}

// Backends resolves a backend by name.
type Backends interface {
	Get(name string) (backend.Backend, error)
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned  int
	Skipped  int
	Failed   int
	Actions  map[Action]int
	Duration time.Duration
	// Err aggregates the per-job failures. It never aborts the sweep.
	Err error
}

// Total returns the number of jobs acted on.
func (s *Stats) Total() int {
	n := 0
	for _, c := range s.Actions {
		n += c
	}
	return n
}

type Manager struct {
	store    jobx.Store
	queue    queue.Queue
	backends Backends
	opts     Options
}

func NewManager(store jobx.Store, q queue.Queue, backends Backends, options ...Option) *Manager {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Manager{store: store, queue: q, backends: backends, opts: opts}
}

// RecoverOrphanedJobs reconciles every non-terminal job that no live node
// holds. Running it again on the same state reports no further actions.
func (m *Manager) RecoverOrphanedJobs(ctx context.Context) (*Stats, error) {
	begin := m.opts.Clock.Now()
	stats := &Stats{Actions: make(map[Action]int)}

	var (
		jobs        []*jobx.Job
		listFailure error
	)
	for _, st := range scanStates {
		batch, err := m.store.ListByState(ctx, st, m.opts.BatchSize)
		if err != nil {
			listFailure = multierror.Append(listFailure, scanFailed(string(st), err))
			continue
		}
		jobs = append(jobs, batch...)
	}
	if listFailure != nil && len(jobs) == 0 {
		return stats, listFailure
	}
	stats.Err = listFailure
	stats.Scanned = len(jobs)

	results := asyncx.Pool(ctx, m.opts.Concurrency, jobs, func(ctx context.Context, job *jobx.Job) (Action, error) {
		return asyncx.WithTimeout(ctx, m.opts.JobTimeout, func(ctx context.Context) (Action, error) {
			return m.ReconcileJob(ctx, job)
		})
	})

	for i, r := range results {
		if r.Err != nil {
			err := r.Err
			if !errx.IsCode(err, ErrReconcileFailed) {
				err = reconcileFailed(jobs[i].ID, "reconcile", err)
			}
			logx.WithError(err).WithField("job_id", jobs[i].ID).Warn("recovery: job not reconciled")
			stats.Failed++
			stats.Err = multierror.Append(stats.Err, err)
			continue
		}
		if r.Value == ActionNone {
			stats.Skipped++
			continue
		}
		stats.Actions[r.Value]++
	}
	stats.Duration = m.opts.Clock.Now().Sub(begin)

	fields := logx.Fields{
		"scanned":  stats.Scanned,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
		"duration": stats.Duration.String(),
	}
	for a, n := range stats.Actions {
		fields[string(a)] = n
	}
	logx.WithFields(fields).Info("recovery: sweep finished")
	return stats, nil
}

// ReconcileJob brings one job in line with its checkpoint and backend. The
// job is re-read first, so a stale copy is safe to pass.
func (m *Manager) ReconcileJob(ctx context.Context, job *jobx.Job) (Action, error) {
	cur, err := m.store.Get(ctx, job.ID)
	if errx.IsCode(err, jobx.ErrJobNotFound) {
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, reconcileFailed(job.ID, "load", err)
	}
	if cur.State.IsTerminal() {
		return ActionNone, nil
	}

	owner, err := m.queue.Owner(ctx, cur.ID)
	if err != nil {
		return ActionNone, reconcileFailed(cur.ID, "owner", err)
	}
	if owner != nil {
		return ActionNone, nil
	}

	var action Action
	if cur.State == jobx.StateCreated || cur.State == jobx.StateQueued {
		action, err = m.reconcileWaiting(ctx, cur)
	} else {
		action, err = m.reconcileInFlight(ctx, cur)
	}
	if err != nil || action == ActionNone {
		return action, err
	}

	m.opts.Metrics.RecoveryAction(string(action))
	logx.WithFields(logx.Fields{
		"job_id":  cur.ID,
		"action":  string(action),
		"state":   string(cur.State),
		"backend": cur.BackendTarget,
	}).Info("recovery: job reconciled")
	return action, nil
}

// reconcileWaiting re-enqueues a Created or Queued job that fell out of the
// queue. Recent jobs are left alone since admission may still be enqueuing them.
func (m *Manager) reconcileWaiting(ctx context.Context, job *jobx.Job) (Action, error) {
	if m.opts.Clock.Now().Sub(job.UpdatedAt) < m.opts.StaleAfter {
		return ActionNone, nil
	}
	if job.State == jobx.StateCreated && len(job.DependsOn) > 0 {
		// Held for its parents; the dependency releaser queues it.
		return ActionNone, nil
	}
	in, err := m.queue.Contains(ctx, job.ID)
	if err != nil {
		return ActionNone, reconcileFailed(job.ID, "contains", err)
	}
	if in {
		return ActionNone, nil
	}

	if job.State == jobx.StateCreated {
		if err := m.store.UpdateState(ctx, job.ID, jobx.StateQueued); err != nil {
			return lostRace(job, "queue", err)
		}
	}
	if err := m.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		return ActionNone, reconcileFailed(job.ID, "enqueue", err)
	}
	return ActionRequeued, nil
}

func (m *Manager) reconcileInFlight(ctx context.Context, job *jobx.Job) (Action, error) {
	waiting, err := m.queue.Waiting(ctx, job.ID)
	if err != nil {
		return ActionNone, reconcileFailed(job.ID, "waiting", err)
	}
	if waiting {
		// A claimer will resume it from the checkpoint.
		return ActionNone, nil
	}

	cp, err := m.store.LatestCheckpoint(ctx, job.ID)
	if err != nil {
		return ActionNone, reconcileFailed(job.ID, "checkpoint", err)
	}
	if cp == nil {
		return m.fail(ctx, job, ReasonNoCheckpoint, ActionMarkedFailed)
	}

	switch cp.Milestone.Kind {
	case jobx.MilestoneCompletedPending:
		if cp.Milestone.Outcome != nil {
			return m.complete(ctx, job, cp.Milestone.Outcome, false)
		}
	case jobx.MilestoneSubmitted, jobx.MilestoneRunning:
		if bid := cp.Milestone.BackendJobID; bid != "" {
			return m.reconcileWithBackend(ctx, job, bid)
		}
	}
	return m.resubmit(ctx, job)
}

func (m *Manager) reconcileWithBackend(ctx context.Context, job *jobx.Job, bid string) (Action, error) {
	b, err := m.backends.Get(job.BackendTarget)
	if err != nil {
		return m.fail(ctx, job, ReasonUnknownBackend, ActionFailedWhileDown)
	}

	st, err := b.Status(ctx, bid)
	if errx.IsCode(err, backend.ErrJobNotFound) {
		// The Created checkpoint stops the next claimer resuming bid.
		if err := m.store.Checkpoint(ctx, job.ID, jobx.Created()); err != nil {
			return ActionNone, reconcileFailed(job.ID, "checkpoint", err)
		}
		return m.resubmit(ctx, job)
	}
	if err != nil {
		return ActionNone, reconcileFailed(job.ID, "backend status", err).WithDetail("backend_job_id", bid)
	}

	switch st.State {
	case backend.StateCompleted:
		out, err := b.Result(ctx, bid)
		if err != nil {
			return ActionNone, reconcileFailed(job.ID, "backend result", err).WithDetail("backend_job_id", bid)
		}
		return m.complete(ctx, job, out, true)
	case backend.StateFailed:
		reason := st.Reason
		if reason == "" {
			reason = ReasonBackendFailed
		}
		return m.fail(ctx, job, reason, ActionFailedWhileDown)
	default:
		return m.reattach(ctx, job)
	}
}

// complete stores an outcome the backend already produced.
func (m *Manager) complete(ctx context.Context, job *jobx.Job, out *jobx.Outcome, checkpoint bool) (Action, error) {
	if err := m.promote(ctx, job); err != nil {
		return lostRace(job, "promote", err)
	}
	if checkpoint {
		if err := m.store.Checkpoint(ctx, job.ID, jobx.CompletedPending(out)); err != nil {
			return ActionNone, reconcileFailed(job.ID, "checkpoint", err)
		}
	}
	if err := m.store.StoreResult(ctx, job.ID, out); err != nil {
		return lostRace(job, "store result", err)
	}
	if err := m.queue.Remove(ctx, job.ID); err != nil {
		logx.WithError(err).WithField("job_id", job.ID).Warn("recovery: queue cleanup failed")
	}
	if m.opts.OnCompleted != nil {
		job.State = jobx.StateCompleted
		job.Result = out
		m.opts.OnCompleted(ctx, job)
	}
	return ActionCompletedWhileDown, nil
}

func (m *Manager) fail(ctx context.Context, job *jobx.Job, reason string, action Action) (Action, error) {
	if err := m.store.Fail(ctx, job.ID, reason); err != nil {
		return lostRace(job, "fail", err)
	}
	if err := m.queue.Remove(ctx, job.ID); err != nil {
		logx.WithError(err).WithField("job_id", job.ID).Warn("recovery: queue cleanup failed")
	}
	return action, nil
}

// resubmit starts a fresh execution. The attempt is counted.
func (m *Manager) resubmit(ctx context.Context, job *jobx.Job) (Action, error) {
	if err := m.store.Requeue(ctx, job.ID); err != nil {
		return lostRace(job, "requeue", err)
	}
	if err := m.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		return ActionNone, reconcileFailed(job.ID, "enqueue", err)
	}
	return ActionResubmitted, nil
}

// reattach hands a job still executing on its backend to a monitor. It is
// never resubmitted.
func (m *Manager) reattach(ctx context.Context, job *jobx.Job) (Action, error) {
	if err := m.promote(ctx, job); err != nil {
		return lostRace(job, "promote", err)
	}
	if m.opts.Attacher != nil {
		if err := m.opts.Attacher.Attach(ctx, job); err != nil {
			return ActionNone, reconcileFailed(job.ID, "attach", err)
		}
		return ActionReattached, nil
	}
	if err := m.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		return ActionNone, reconcileFailed(job.ID, "enqueue", err)
	}
	return ActionReattached, nil
}

// promote moves a Claimed job whose checkpoint shows a submission to Submitted.
func (m *Manager) promote(ctx context.Context, job *jobx.Job) error {
	if job.State != jobx.StateClaimed {
		return nil
	}
	if err := m.store.UpdateState(ctx, job.ID, jobx.StateSubmitted); err != nil {
		return err
	}
	job.State = jobx.StateSubmitted
	return nil
}

// lostRace turns a rejected transition into a no-op: another actor moved the
// job between our read and write.
func lostRace(job *jobx.Job, step string, err error) (Action, error) {
	if errx.IsCode(err, jobx.ErrInvalidTransition) {
		logx.WithField("job_id", job.ID).Debugf("recovery: job moved during %s, skipping", step)
		return ActionNone, nil
	}
	return ActionNone, reconcileFailed(job.ID, step, err)
}
