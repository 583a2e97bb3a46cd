// Package worker runs jobs on one node: it claims work from the shared queue
// while it has free slots, drives each claimed job through its backend, and
// hands claims back when the node shuts down.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/queue"
)

// Backends resolves a backend by name. backend.Registry satisfies it.
type Backends interface {
	Get(name string) (backend.Backend, error)
}

// Worker is the node runtime.
type Worker struct {
	store    jobx.Store
	queue    queue.Queue
	backends Backends
	sup      *Supervisor
	opts     Options

	mu      sync.Mutex
	running bool
}

func New(store jobx.Store, q queue.Queue, backends Backends, options ...Option) *Worker {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = kernel.NewNodeID().String()
	}
	return &Worker{
		store:    store,
		queue:    q,
		backends: backends,
		sup:      NewSupervisor(opts.Concurrency),
		opts:     opts,
	}
}

// ID returns the id claims are recorded under.
func (w *Worker) ID() string { return w.opts.WorkerID }

// InFlight returns the number of jobs executing on this node.
func (w *Worker) InFlight() int { return w.sup.InFlight() }

// Cancel stops the local execution of a job. The store and queue are not touched.
func (w *Worker) Cancel(id kernel.JobID) bool { return w.sup.Cancel(id) }

// Run claims work every poll interval until ctx is done, then cancels the
// executions, which hand their claims back to the queue.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return workerErrors.New(ErrAlreadyRunning)
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	logx.WithFields(logx.Fields{
		"worker_id":   w.opts.WorkerID,
		"concurrency": w.opts.Concurrency,
	}).Info("worker: starting")

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.ClaimAvailable(ctx)
	for {
		select {
		case <-ctx.Done():
			logx.WithField("worker_id", w.opts.WorkerID).Info("worker: shutting down")
			w.Shutdown()
			return nil
		case <-ticker.C:
			w.ClaimAvailable(ctx)
		}
	}
}

// Shutdown cancels every execution and waits for them up to the shutdown timeout.
func (w *Worker) Shutdown() {
	if !w.sup.Shutdown(w.opts.ShutdownTimeout) {
		logx.WithField("worker_id", w.opts.WorkerID).Warn("worker: shutdown timed out, remaining claims will lapse")
		return
	}
	logx.WithField("worker_id", w.opts.WorkerID).Info("worker: all executions stopped")
}

// ClaimAvailable claims jobs until every slot is busy or the queue is empty.
// It returns the number of jobs started.
func (w *Worker) ClaimAvailable(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !w.sup.TryAcquire() {
			return started
		}

		res, err := w.queue.ClaimNext(ctx, w.opts.WorkerID)
		if err != nil {
			w.sup.Release()
			if !queue.IsEmpty(err) && ctx.Err() == nil {
				logx.WithError(err).WithField("worker_id", w.opts.WorkerID).Warn("worker: claim failed")
			}
			return started
		}

		w.leasesExpired(ctx, res.Expired)
		w.opts.Metrics.ClaimMade()
		w.start(ctx, res.Claim, res.Priority)
		started++
	}
	return started
}

// Attach takes over a job whose backend execution is still going, without
// resubmitting it. The job is monitored here when a slot is free; otherwise it
// is handed back to the queue, where the next claimer resumes it.
func (w *Worker) Attach(ctx context.Context, job *jobx.Job) error {
	ok, err := w.queue.ClaimJob(ctx, job.ID, w.opts.WorkerID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !w.sup.TryAcquire() {
		return w.queue.Release(ctx, job.ID, job.Priority)
	}

	w.start(ctx, queue.Claim{
		JobID:    job.ID,
		WorkerID: w.opts.WorkerID,
		Expiry:   w.opts.Clock.Now().Add(w.opts.LeaseDuration),
	}, job.Priority)
	return nil
}

func (w *Worker) start(ctx context.Context, c queue.Claim, class jobx.PriorityClass) {
	// Executions outlive the claim loop; only the supervisor cancels them.
	w.sup.Go(context.WithoutCancel(ctx), c.JobID, func(ctx context.Context) {
		w.execute(ctx, c, class)
	})
}

func (w *Worker) leasesExpired(ctx context.Context, lapsed []queue.Claim) {
	w.opts.Metrics.LeasesExpired(len(lapsed))
	for _, c := range lapsed {
		logx.WithFields(logx.Fields{
			"job_id":         c.JobID,
			"previous_owner": c.WorkerID,
			"worker_id":      w.opts.WorkerID,
		}).Warn("worker: lease expired, job returned to queue")
		if w.opts.OnLeaseExpired != nil {
			w.opts.OnLeaseExpired(ctx, c)
		}
	}
}
