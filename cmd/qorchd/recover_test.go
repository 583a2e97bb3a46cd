package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/backend/backendsim"
	"github.com/Abraxas-365/qorch/pkg/config"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/jobx/jobxmem"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/queue"
	"github.com/Abraxas-365/qorch/pkg/queue/queueredis"
	"github.com/Abraxas-365/qorch/pkg/worker"
	"github.com/WatchBeam/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	clk *clock.MockClock
	c   *Container
	sim *backendsim.Simulator
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewMockClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	sim := backendsim.New("sim", backendsim.WithClock(clk), backendsim.WithTiming(0, time.Hour))
	store := jobxmem.New(clk)
	q := queueredis.NewRedisQueue(rdb, queueredis.WithPrefix("cli"), queueredis.WithClock(clk))
	reg := backend.NewRegistry(sim)

	c := &Container{
		Config: &config.Config{Recovery: config.RecoveryConfig{
			BatchSize:   10,
			Concurrency: 2,
			JobTimeout:  5 * time.Second,
		}},
		Store:    store,
		Queue:    q,
		Backends: reg,
	}
	c.Worker = worker.New(store, q, reg, worker.WithWorkerID("cli-node"), worker.WithClock(clk))
	c.Recovery = c.newRecovery(c.Worker)
	t.Cleanup(c.Worker.Shutdown)
	return &cliEnv{clk: clk, c: c, sim: sim}
}

// orphan leaves a job submitted by a node that then died.
func (e *cliEnv) orphan(t *testing.T) kernel.JobID {
	t.Helper()
	ctx := context.Background()
	store := e.c.Store
	id, err := store.Create(ctx, &jobx.Job{
		Owner: "c1", BackendTarget: "sim", Shots: 32, Priority: jobx.PriorityNormal,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, id, jobx.StateQueued))
	require.NoError(t, e.c.Queue.Enqueue(ctx, id, jobx.PriorityNormal))
	_, err = e.c.Queue.ClaimNext(ctx, "dead-node")
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, id, jobx.StateClaimed))

	bid, err := e.sim.Submit(ctx, []byte("h q[0];"), 32)
	require.NoError(t, err)
	require.NoError(t, store.Checkpoint(ctx, id, jobx.Submitted(bid)))
	require.NoError(t, store.UpdateState(ctx, id, jobx.StateSubmitted))

	e.clk.AddTime(queue.DefaultLease + time.Second)
	return id
}

func TestRecoverCommandLeavesRunningJobsToWorkers(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()
	id := e.orphan(t)

	var out bytes.Buffer
	require.NoError(t, runRecover(ctx, e.c, "", &out))
	assert.Contains(t, out.String(), "reattached")

	owner, err := e.c.Queue.Owner(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, owner, "no claim taken by a process about to exit")

	waiting, err := e.c.Queue.Waiting(ctx, id)
	require.NoError(t, err)
	assert.True(t, waiting)
	assert.Equal(t, 0, e.c.Worker.InFlight())
	assert.Equal(t, 1, e.sim.Submissions())
}

func TestRecoverCommandSingleJob(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()
	id := e.orphan(t)

	var out bytes.Buffer
	require.NoError(t, runRecover(ctx, e.c, id, &out))
	assert.Equal(t, string(id)+" reattached\n", out.String())
	assert.Equal(t, 0, e.c.Worker.InFlight())

	out.Reset()
	require.NoError(t, runRecover(ctx, e.c, id, &out))
	assert.Empty(t, out.String(), "already waiting in the queue")
}
