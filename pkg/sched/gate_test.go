package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog map[string]bool

func (c fakeCatalog) Has(name string) bool { return c[name] }

type fakeCounter struct {
	active map[kernel.ClientID]int
	err    error
}

func (c *fakeCounter) CountActive(_ context.Context, owner kernel.ClientID) (int, error) {
	return c.active[owner], c.err
}

type fakeLimiter struct {
	seen map[string]int
	err  error
}

func (l *fakeLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.seen[key] >= limit {
		return false, nil
	}
	l.seen[key]++
	return true, nil
}

type fakeUsage struct {
	own   map[kernel.ClientID]int64
	total int64
	err   error
}

func (u *fakeUsage) RecordCompletion(_ context.Context, client kernel.ClientID) error {
	u.own[client]++
	u.total++
	return nil
}

func (u *fakeUsage) Usage(_ context.Context, client kernel.ClientID) (int64, int64, error) {
	return u.own[client], u.total, u.err
}

type fixture struct {
	gate    *Gate
	counter *fakeCounter
	limiter *fakeLimiter
	usage   *fakeUsage
	reasons []string
}

func newFixture(t *testing.T, policies ...policy.ClientPolicy) *fixture {
	t.Helper()
	def := policy.ClientPolicy{
		AllowedOperations: []string{kernel.ScopeJobsSubmit, kernel.ScopeJobsRead},
		AllowedBackends:   []string{"sim-*"},
		MaxQueuedJobs:     2,
		RatePerMinute:     3,
		MaxShotsPerJob:    1000,
	}
	f := &fixture{
		counter: &fakeCounter{active: map[kernel.ClientID]int{}},
		limiter: &fakeLimiter{seen: map[string]int{}},
		usage:   &fakeUsage{own: map[kernel.ClientID]int64{}},
	}
	f.gate = NewGate(policy.NewRegistry(def, policies...),
		fakeCatalog{"sim-a": true, "ibm-brisbane": true},
		f.counter, f.limiter, f.usage,
		WithMinSamples(10),
		WithRejectionObserver(func(reason string) { f.reasons = append(f.reasons, reason) }),
	)
	return f
}

func submit(client kernel.ClientID) AdmitRequest {
	return AdmitRequest{ClientID: client, RequestedPriority: jobx.PriorityNormal, BackendTarget: "sim-a", Shots: 100}
}

func TestAdmitPasses(t *testing.T) {
	f := newFixture(t)

	class, err := f.gate.Admit(context.Background(), submit("c1"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityNormal, class)
}

func TestAdmitRejectionReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture, req *AdmitRequest)
		reason string
		code   *errx.ErrorCode
	}{
		{"operation", func(f *fixture, r *AdmitRequest) { r.ClientID = "readonly" }, ReasonOperationNotPermitted, ErrRejected},
		{"backend", func(f *fixture, r *AdmitRequest) { r.BackendTarget = "ibm-brisbane" }, ReasonBackendNotPermitted, ErrRejected},
		{"unknown backend", func(f *fixture, r *AdmitRequest) { r.BackendTarget = "sim-z" }, ReasonUnknownBackend, ErrRejected},
		{"shots", func(f *fixture, r *AdmitRequest) { r.Shots = 1001 }, ReasonShotsExceedLimit, ErrRejected},
		{"queue", func(f *fixture, r *AdmitRequest) { f.counter.active["c1"] = 2 }, ReasonQueueFull, ErrRejected},
		{"rate", func(f *fixture, r *AdmitRequest) { f.limiter.seen["submit:c1"] = 3 }, ReasonRateLimitExceeded, ErrRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, policy.ClientPolicy{ClientPattern: "readonly", AllowedOperations: []string{kernel.ScopeJobsRead}})
			req := submit("c1")
			tc.mutate(f, &req)

			_, err := f.gate.Admit(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errx.IsCode(err, tc.code))
			assert.True(t, IsRejected(err))
			assert.Equal(t, tc.reason, Reason(err))
			assert.Equal(t, []string{tc.reason}, f.reasons)
		})
	}
}

func TestAdmitChecksInOrder(t *testing.T) {
	f := newFixture(t)
	f.counter.active["c1"] = 5
	f.limiter.seen["submit:c1"] = 3

	req := submit("c1")
	req.Shots = 5000
	_, err := f.gate.Admit(context.Background(), req)
	assert.Equal(t, ReasonShotsExceedLimit, Reason(err))

	req.Shots = 10
	_, err = f.gate.Admit(context.Background(), req)
	assert.Equal(t, ReasonQueueFull, Reason(err))
}

func TestAdmitDoesNotConsumeRateOnEarlierRejection(t *testing.T) {
	f := newFixture(t)
	f.counter.active["c1"] = 2

	_, err := f.gate.Admit(context.Background(), submit("c1"))
	require.Error(t, err)
	assert.Zero(t, f.limiter.seen["submit:c1"])
}

func TestAdmitStorageFailures(t *testing.T) {
	f := newFixture(t)
	f.counter.err = errors.New("db down")

	_, err := f.gate.Admit(context.Background(), submit("c1"))
	assert.True(t, errx.IsCode(err, ErrStorageUnavailable))
	assert.False(t, IsRejected(err))

	f = newFixture(t)
	f.limiter.err = errors.New("redis down")
	_, err = f.gate.Admit(context.Background(), submit("c1"))
	assert.True(t, errx.IsCode(err, ErrStorageUnavailable))
}

func TestHighPriorityRequiresPrivilege(t *testing.T) {
	f := newFixture(t, policy.ClientPolicy{
		ClientPattern:     "vip",
		AllowedOperations: []string{"jobs:*"},
		AllowedBackends:   []string{"*"},
		PriorityCeiling:   "high",
	})
	ctx := context.Background()

	req := submit("c1")
	req.RequestedPriority = jobx.PriorityHigh
	class, err := f.gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityNormal, class, "silently downgraded")

	req.Scopes = []string{kernel.ScopePriorityHigh}
	class, err = f.gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityHigh, class, "credential scope lifts the ceiling")

	req = submit("vip")
	req.RequestedPriority = jobx.PriorityHigh
	class, err = f.gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityHigh, class)

	req.RequestedPriority = jobx.PriorityLow
	class, err = f.gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityLow, class, "requests below the ceiling are honored")
}

func TestFairnessAdjustment(t *testing.T) {
	weighted := func(pattern string) policy.ClientPolicy {
		return policy.ClientPolicy{
			ClientPattern:     pattern,
			AllowedOperations: []string{"jobs:*"},
			AllowedBackends:   []string{"*"},
			FairShareWeight:   0.25,
			PriorityCeiling:   "high",
		}
	}
	f := newFixture(t, weighted("heavy"), weighted("light"), weighted("fair"))
	f.usage.own = map[kernel.ClientID]int64{"heavy": 60, "light": 5, "fair": 25}
	f.usage.total = 100
	ctx := context.Background()

	// heavy: 0.60/0.25 = 2.4 > 2.0
	class, err := f.gate.Admit(ctx, submit("heavy"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityLow, class)

	// light: 0.05/0.25 = 0.2 < 0.5
	class, err = f.gate.Admit(ctx, submit("light"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityHigh, class)

	class, err = f.gate.Admit(ctx, submit("fair"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityNormal, class)

	req := submit("heavy")
	req.RequestedPriority = jobx.PriorityLow
	class, err = f.gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityLow, class, "already lowest")
}

func TestFairnessBoostCappedByCeiling(t *testing.T) {
	f := newFixture(t, policy.ClientPolicy{
		ClientPattern:     "light",
		AllowedOperations: []string{"jobs:*"},
		AllowedBackends:   []string{"*"},
		FairShareWeight:   0.5,
	})
	f.usage.total = 100

	class, err := f.gate.Admit(context.Background(), submit("light"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityNormal, class)
}

func TestFairnessNeedsSamples(t *testing.T) {
	f := newFixture(t, policy.ClientPolicy{
		ClientPattern:     "light",
		AllowedOperations: []string{"jobs:*"},
		AllowedBackends:   []string{"*"},
		FairShareWeight:   0.5,
		PriorityCeiling:   "high",
	})
	f.usage.total = 9

	class, err := f.gate.Admit(context.Background(), submit("light"))
	require.NoError(t, err)
	assert.Equal(t, jobx.PriorityNormal, class)

	f.usage.total = 10
	f.usage.err = errors.New("redis down")
	class, err = f.gate.Admit(context.Background(), submit("light"))
	require.NoError(t, err, "fairness is best effort")
	assert.Equal(t, jobx.PriorityNormal, class)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.gate.Authorize("c1", kernel.ScopeJobsRead))
	err := f.gate.Authorize("c1", kernel.ScopeJobsCancel)
	assert.Equal(t, ReasonOperationNotPermitted, Reason(err))
}

func TestRecordCompletion(t *testing.T) {
	f := newFixture(t)
	f.gate.RecordCompletion(context.Background(), "c1")
	assert.Equal(t, int64(1), f.usage.own["c1"])
}
