package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/backend/backendsim"
	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/jobx/jobxmem"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/Abraxas-365/qorch/pkg/queue/queueredis"
	"github.com/WatchBeam/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clk   *clock.MockClock
	store *jobxmem.Store
	queue *queueredis.RedisQueue
	sim   *backendsim.Simulator
	slow  *backendsim.Simulator
	reg   *backend.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewMockClock(epoch)
	sim := backendsim.New("sim", backendsim.WithClock(clk), backendsim.WithTiming(0, time.Minute))
	slow := backendsim.New("slow", backendsim.WithClock(clk), backendsim.WithTiming(0, time.Hour))
	return &fixture{
		clk:   clk,
		store: jobxmem.New(clk),
		queue: queueredis.NewRedisQueue(rdb, queueredis.WithPrefix("rec"), queueredis.WithClock(clk)),
		sim:   sim,
		slow:  slow,
		reg:   backend.NewRegistry(sim, slow),
	}
}

func (f *fixture) manager(opts ...Option) *Manager {
	return NewManager(f.store, f.queue, f.reg, append([]Option{WithClock(f.clk)}, opts...)...)
}

func (f *fixture) create(t *testing.T, target string) kernel.JobID {
	t.Helper()
	id, err := f.store.Create(context.Background(), &jobx.Job{
		Owner:          "c1",
		BackendTarget:  target,
		Shots:          64,
		CircuitPayload: []byte("h q[0];"),
		Priority:       jobx.PriorityNormal,
	})
	require.NoError(t, err)
	return id
}

// claimed leaves a job the way a node that crashed right after claiming does.
func (f *fixture) claimed(t *testing.T, target string) kernel.JobID {
	t.Helper()
	ctx := context.Background()
	id := f.create(t, target)
	require.NoError(t, f.store.UpdateState(ctx, id, jobx.StateQueued))
	require.NoError(t, f.queue.Enqueue(ctx, id, jobx.PriorityNormal))
	res, err := f.queue.ClaimNext(ctx, "dead-node")
	require.NoError(t, err)
	require.Equal(t, id, res.Claim.JobID)
	require.NoError(t, f.store.UpdateState(ctx, id, jobx.StateClaimed))
	return id
}

// submitted leaves a job the way a node that crashed after recording its
// backend submission does. It returns the backend job id.
func (f *fixture) submitted(t *testing.T, target string) (kernel.JobID, string) {
	t.Helper()
	ctx := context.Background()
	id := f.claimed(t, target)
	b, err := f.reg.Get(target)
	require.NoError(t, err)
	bid, err := b.Submit(ctx, []byte("h q[0];"), 64)
	require.NoError(t, err)
	require.NoError(t, f.store.Checkpoint(ctx, id, jobx.Submitted(bid)))
	require.NoError(t, f.store.UpdateState(ctx, id, jobx.StateSubmitted))
	return id, bid
}

// expireLeases moves past every claim taken so far.
func (f *fixture) expireLeases() {
	f.clk.AddTime(queue.DefaultLease + time.Second)
}

func (f *fixture) job(t *testing.T, id kernel.JobID) *jobx.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) reconcile(t *testing.T, m *Manager, id kernel.JobID) Action {
	t.Helper()
	action, err := m.ReconcileJob(context.Background(), &jobx.Job{ID: id})
	require.NoError(t, err)
	return action
}

type recordingAttacher struct {
	mu   sync.Mutex
	jobs []*jobx.Job
}

func (a *recordingAttacher) Attach(ctx context.Context, job *jobx.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job.Clone())
	return nil
}

func TestCrashAfterSubmitCompletesWithoutReexecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.submitted(t, "sim")

	// The node is gone long enough for the lease to lapse and the backend to finish.
	f.expireLeases()

	var completed []*jobx.Job
	m := f.manager(WithOnCompleted(func(_ context.Context, job *jobx.Job) {
		completed = append(completed, job.Clone())
	}))
	stats, err := m.RecoverOrphanedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Actions[ActionCompletedWhileDown])
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ID)
	assert.Equal(t, kernel.ClientID("c1"), completed[0].Owner)
	assert.Equal(t, jobx.StateCompleted, completed[0].State)
	assert.Equal(t, 1, stats.Total())
	assert.NoError(t, stats.Err)

	job := f.job(t, id)
	assert.Equal(t, jobx.StateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, 64, job.Result.Shots)
	assert.Equal(t, 1, f.sim.Submissions(), "never re-executed")

	in, err := f.queue.Contains(ctx, id)
	require.NoError(t, err)
	assert.False(t, in)

	cps := f.store.Checkpoints(id)
	assert.Equal(t, jobx.MilestoneCompletedPending, cps[len(cps)-1].Milestone.Kind)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, _ := f.submitted(t, "sim")
	running, _ := f.submitted(t, "slow")
	noCheckpoint := f.claimed(t, "sim")
	f.store.DropCheckpoints(noCheckpoint)
	neverSubmitted := f.claimed(t, "sim")
	f.expireLeases()

	m := f.manager()
	first, err := m.RecoverOrphanedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Total())
	assert.Equal(t, 1, first.Actions[ActionCompletedWhileDown])
	assert.Equal(t, 1, first.Actions[ActionReattached])
	assert.Equal(t, 1, first.Actions[ActionMarkedFailed])
	assert.Equal(t, 1, first.Actions[ActionResubmitted])

	snapshot := map[kernel.JobID]jobx.State{
		done:           jobx.StateCompleted,
		running:        jobx.StateSubmitted,
		noCheckpoint:   jobx.StateFailed,
		neverSubmitted: jobx.StateQueued,
	}
	for id, state := range snapshot {
		assert.Equal(t, state, f.job(t, id).State)
	}

	second, err := m.RecoverOrphanedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total())
	assert.Equal(t, 2, second.Skipped)
	assert.NoError(t, second.Err)
	for id, state := range snapshot {
		assert.Equal(t, state, f.job(t, id).State)
	}
	assert.Equal(t, 1, f.slow.Submissions())
}

func TestNoCheckpointMarksFailed(t *testing.T) {
	f := newFixture(t)
	id := f.claimed(t, "sim")
	f.store.DropCheckpoints(id)
	f.expireLeases()

	assert.Equal(t, ActionMarkedFailed, f.reconcile(t, f.manager(), id))

	job := f.job(t, id)
	assert.Equal(t, jobx.StateFailed, job.State)
	assert.Equal(t, ReasonNoCheckpoint, job.Error)
}

func TestCreatedCheckpointResubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.claimed(t, "sim")
	f.expireLeases()

	assert.Equal(t, ActionResubmitted, f.reconcile(t, f.manager(), id))

	job := f.job(t, id)
	assert.Equal(t, jobx.StateQueued, job.State)
	assert.Equal(t, 1, job.Attempts)

	waiting, err := f.queue.Waiting(ctx, id)
	require.NoError(t, err)
	assert.True(t, waiting)
}

func TestStillRunningIsReattached(t *testing.T) {
	f := newFixture(t)
	id, _ := f.submitted(t, "slow")
	f.expireLeases()

	attacher := &recordingAttacher{}
	m := f.manager(WithAttacher(attacher))
	assert.Equal(t, ActionReattached, f.reconcile(t, m, id))

	require.Len(t, attacher.jobs, 1)
	assert.Equal(t, id, attacher.jobs[0].ID)
	assert.Equal(t, jobx.StateSubmitted, attacher.jobs[0].State)
	assert.Equal(t, 1, f.slow.Submissions(), "nothing resubmitted")
}

func TestReattachWithoutAttacherHandsToQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.submitted(t, "slow")
	f.expireLeases()

	m := f.manager()
	assert.Equal(t, ActionReattached, f.reconcile(t, m, id))

	waiting, err := f.queue.Waiting(ctx, id)
	require.NoError(t, err)
	assert.True(t, waiting)
	assert.Equal(t, jobx.StateSubmitted, f.job(t, id).State)
	assert.Equal(t, 1, f.slow.Submissions())

	// Handed back jobs are left to the next claimer.
	assert.Equal(t, ActionNone, f.reconcile(t, m, id))
}

func TestClaimedWithSubmissionIsPromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.claimed(t, "sim")
	bid, err := f.sim.Submit(ctx, []byte("h q[0];"), 64)
	require.NoError(t, err)
	require.NoError(t, f.store.Checkpoint(ctx, id, jobx.Submitted(bid)))
	f.expireLeases()

	assert.Equal(t, ActionCompletedWhileDown, f.reconcile(t, f.manager(), id))
	assert.Equal(t, jobx.StateCompleted, f.job(t, id).State)
}

func TestBackendFailureWhileDown(t *testing.T) {
	f := newFixture(t)
	f.sim.FailNextSubmission("qubit 3 decohered")
	id, _ := f.submitted(t, "sim")
	f.expireLeases()

	assert.Equal(t, ActionFailedWhileDown, f.reconcile(t, f.manager(), id))

	job := f.job(t, id)
	assert.Equal(t, jobx.StateFailed, job.State)
	assert.Equal(t, "qubit 3 decohered", job.Error)
}

func TestBackendLostExecutionResubmits(t *testing.T) {
	f := newFixture(t)
	id, bid := f.submitted(t, "sim")
	f.sim.Forget(bid)
	f.expireLeases()

	assert.Equal(t, ActionResubmitted, f.reconcile(t, f.manager(), id))

	job := f.job(t, id)
	assert.Equal(t, jobx.StateQueued, job.State)
	assert.Equal(t, 1, job.Attempts)

	cps := f.store.Checkpoints(id)
	assert.Equal(t, jobx.MilestoneCreated, cps[len(cps)-1].Milestone.Kind, "next claimer submits again")
}

func TestCompletedPendingIsStoredWithoutBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.submitted(t, "sim")
	out := &jobx.Outcome{Counts: map[string]int64{"00": 40, "11": 24}, Shots: 64}
	require.NoError(t, f.store.Checkpoint(ctx, id, jobx.CompletedPending(out)))
	f.expireLeases()
	f.sim.SetOutage(errors.New("offline"))

	assert.Equal(t, ActionCompletedWhileDown, f.reconcile(t, f.manager(), id))

	job := f.job(t, id)
	assert.Equal(t, jobx.StateCompleted, job.State)
	assert.Equal(t, out.Counts, job.Result.Counts)
}

func TestUnknownBackendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.claimed(t, "retired-device")
	require.NoError(t, f.store.Checkpoint(ctx, id, jobx.Submitted("dev-1")))
	f.expireLeases()

	assert.Equal(t, ActionFailedWhileDown, f.reconcile(t, f.manager(), id))
	assert.Equal(t, ReasonUnknownBackend, f.job(t, id).Error)
}

func TestLiveClaimIsSkipped(t *testing.T) {
	f := newFixture(t)
	id, _ := f.submitted(t, "sim")

	assert.Equal(t, ActionNone, f.reconcile(t, f.manager(), id))
	assert.Equal(t, jobx.StateSubmitted, f.job(t, id).State)
}

func TestStrandedWaitingJobsAreRequeued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.create(t, "sim")
	queued := f.create(t, "sim")
	require.NoError(t, f.store.UpdateState(ctx, queued, jobx.StateQueued))

	m := f.manager(WithStaleAfter(time.Minute))
	assert.Equal(t, ActionNone, f.reconcile(t, m, created), "admission may still be running")

	f.clk.AddTime(2 * time.Minute)
	assert.Equal(t, ActionRequeued, f.reconcile(t, m, created))
	assert.Equal(t, ActionRequeued, f.reconcile(t, m, queued))
	assert.Equal(t, jobx.StateQueued, f.job(t, created).State)

	for _, id := range []kernel.JobID{created, queued} {
		waiting, err := f.queue.Waiting(ctx, id)
		require.NoError(t, err)
		assert.True(t, waiting)
	}
	assert.Equal(t, ActionNone, f.reconcile(t, m, queued))
}

func TestBackendOutageIsTallied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stuck, _ := f.submitted(t, "sim")
	noCheckpoint := f.claimed(t, "sim")
	f.store.DropCheckpoints(noCheckpoint)
	f.expireLeases()
	f.sim.SetOutage(errors.New("maintenance"))

	stats, err := f.manager().RecoverOrphanedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Actions[ActionMarkedFailed])
	require.Error(t, stats.Err)
	assert.True(t, errx.IsCode(stats.Err, ErrReconcileFailed))

	assert.Equal(t, jobx.StateSubmitted, f.job(t, stuck).State)
}

func TestStoreOutageFailsSweep(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnavailable(errors.New("connection refused"))

	_, err := f.manager().RecoverOrphanedJobs(context.Background())
	require.Error(t, err)
	assert.True(t, errx.IsCode(err, ErrScanFailed))
}

func TestHeldJobsAreLeftToTheReleaser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.create(t, "sim")
	require.NoError(t, f.store.UpdateState(ctx, parent, jobx.StateQueued))
	require.NoError(t, f.queue.Enqueue(ctx, parent, jobx.PriorityNormal))
	child, err := f.store.Create(ctx, &jobx.Job{
		Owner:          "c1",
		BackendTarget:  "sim",
		Shots:          64,
		CircuitPayload: []byte("h q[0];"),
		Priority:       jobx.PriorityNormal,
		DependsOn:      []kernel.JobID{parent},
	})
	require.NoError(t, err)

	m := f.manager(WithStaleAfter(time.Minute))
	f.clk.AddTime(2 * time.Minute)
	assert.Equal(t, ActionNone, f.reconcile(t, m, child))
	assert.Equal(t, jobx.StateCreated, f.job(t, child).State)

	waiting, err := f.queue.Waiting(ctx, child)
	require.NoError(t, err)
	assert.False(t, waiting)
}
