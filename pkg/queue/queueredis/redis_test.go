package queueredis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/WatchBeam/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*RedisQueue, *clock.MockClock, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewMockClock(epoch)
	q := NewRedisQueue(rdb,
		WithPrefix("test"),
		WithClock(clk),
		WithLeaseDuration(5*time.Minute),
		WithRetryBoost(5*time.Minute),
	)
	return q, clk, mr
}

func claimID(t *testing.T, q *RedisQueue, worker string) kernel.JobID {
	t.Helper()
	res, err := q.ClaimNext(context.Background(), worker)
	require.NoError(t, err)
	return res.Claim.JobID
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "high", jobx.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, "normal-1", jobx.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "low", jobx.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, "normal-2", jobx.PriorityNormal))

	var got []kernel.JobID
	for i := 0; i < 4; i++ {
		got = append(got, claimID(t, q, "w1"))
	}
	assert.Equal(t, []kernel.JobID{"high", "normal-1", "normal-2", "low"}, got)

	_, err := q.ClaimNext(ctx, "w1")
	assert.True(t, queue.IsEmpty(err))
}

func TestAtMostOneClaim(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	const jobs, workers = 5, 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(ctx, kernel.JobID(fmt.Sprintf("job-%d", i)), jobx.PriorityNormal))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[kernel.JobID]string{}
		empties int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			res, err := q.ClaimNext(ctx, worker)
			mu.Lock()
			defer mu.Unlock()
			if queue.IsEmpty(err) {
				empties++
				return
			}
			require.NoError(t, err)
			_, dup := claimed[res.Claim.JobID]
			assert.False(t, dup, "job %s claimed twice", res.Claim.JobID)
			claimed[res.Claim.JobID] = worker
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	assert.Equal(t, workers-jobs, empties)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "a", jobx.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "a", jobx.PriorityNormal))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth[jobx.PriorityNormal])
	assert.EqualValues(t, 0, depth[jobx.PriorityHigh])
}

func TestSameMillisecondKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	ids := []kernel.JobID{"z", "y", "x", "w"}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(ctx, id, jobx.PriorityLow))
	}
	for _, want := range ids {
		assert.Equal(t, want, claimID(t, q, "w1"))
	}
}

func TestReleaseBoostsAheadOfLaterArrivals(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "retried", jobx.PriorityNormal))
	assert.Equal(t, kernel.JobID("retried"), claimID(t, q, "w1"))

	clk.AddTime(time.Second)
	require.NoError(t, q.Enqueue(ctx, "before-release", jobx.PriorityNormal))
	clk.AddTime(time.Second)
	require.NoError(t, q.Release(ctx, "retried", jobx.PriorityNormal))
	clk.AddTime(time.Second)
	require.NoError(t, q.Enqueue(ctx, "after-release", jobx.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "urgent", jobx.PriorityHigh))

	assert.Equal(t, kernel.JobID("urgent"), claimID(t, q, "w2"), "boost never crosses classes")
	assert.Equal(t, kernel.JobID("retried"), claimID(t, q, "w2"))
	assert.Equal(t, kernel.JobID("before-release"), claimID(t, q, "w2"))
	assert.Equal(t, kernel.JobID("after-release"), claimID(t, q, "w2"))
}

func TestLeaseExpiryFailover(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "a", jobx.PriorityNormal))
	res, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(5*time.Minute), res.Claim.Expiry)

	clk.AddTime(5*time.Minute - time.Millisecond)
	_, err = q.ClaimNext(ctx, "w2")
	assert.True(t, queue.IsEmpty(err), "not claimable before expiry")

	clk.AddTime(time.Millisecond)
	res, err = q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, kernel.JobID("a"), res.Claim.JobID)
	assert.Equal(t, "w2", res.Claim.WorkerID)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, "w1", res.Expired[0].WorkerID)
	assert.Equal(t, kernel.JobID("a"), res.Expired[0].JobID)

	owner, err := q.Owner(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "w2", owner.WorkerID)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "a", jobx.PriorityNormal))
	claimID(t, q, "w1")

	ok, err := q.Extend(ctx, "a", "w2")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may extend")

	clk.AddTime(4 * time.Minute)
	ok, err = q.Extend(ctx, "a", "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.AddTime(4 * time.Minute)
	_, err = q.ClaimNext(ctx, "w2")
	assert.True(t, queue.IsEmpty(err), "extended claim still live")

	clk.AddTime(2 * time.Minute)
	ok, err = q.Extend(ctx, "a", "w1")
	require.NoError(t, err)
	assert.False(t, ok, "lapsed claim cannot be extended")
}

func TestClaimJob(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := setup(t)

	ok, err := q.ClaimJob(ctx, "orphan", "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.ClaimJob(ctx, "orphan", "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.AddTime(5 * time.Minute)
	ok, err = q.ClaimJob(ctx, "orphan", "w2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteRemoveContains(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	require.NoError(t, q.Enqueue(ctx, "a", jobx.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, "b", jobx.PriorityNormal))
	claimID(t, q, "w1")

	in, err := q.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, in, "claimed jobs count as contained")

	waiting, err := q.Waiting(ctx, "a")
	require.NoError(t, err)
	assert.False(t, waiting)
	waiting, err = q.Waiting(ctx, "b")
	require.NoError(t, err)
	assert.True(t, waiting)

	require.NoError(t, q.Complete(ctx, "a"))
	in, err = q.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, in)

	owner, err := q.Owner(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, owner)

	require.NoError(t, q.Remove(ctx, "b"))
	_, err = q.ClaimNext(ctx, "w1")
	assert.True(t, queue.IsEmpty(err))
}

func TestStorageUnavailable(t *testing.T) {
	q, _, mr := setup(t)
	mr.Close()

	err := q.Enqueue(context.Background(), "a", jobx.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errx.IsCode(err, queue.ErrStorageUnavailable))
}
