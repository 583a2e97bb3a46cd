package jobxmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob() *jobx.Job {
	return &jobx.Job{Owner: "acme", BackendTarget: "sim", Shots: 1024, Priority: jobx.PriorityNormal}
}

func TestCreateWritesCreatedCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := New(clock.NewMockClock())

	id, err := s.Create(ctx, newJob())
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobx.StateCreated, job.State)

	cp, err := s.LatestCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, jobx.MilestoneCreated, cp.Milestone.Kind)
}

func TestGetUnknown(t *testing.T) {
	_, err := New(nil).Get(context.Background(), "missing")
	assert.True(t, errx.IsCode(err, jobx.ErrJobNotFound))
}

func TestStoreResultIsSetOnce(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	id, err := s.Create(ctx, newJob())
	require.NoError(t, err)

	err = s.StoreResult(ctx, id, &jobx.Outcome{Shots: 1})
	assert.True(t, errx.IsCode(err, jobx.ErrInvalidTransition), "result only valid from submitted/running")

	for _, st := range []jobx.State{jobx.StateQueued, jobx.StateClaimed, jobx.StateSubmitted} {
		require.NoError(t, s.UpdateState(ctx, id, st))
	}
	require.NoError(t, s.StoreResult(ctx, id, &jobx.Outcome{Shots: 1, Counts: map[string]int64{"00": 1}}))

	err = s.StoreResult(ctx, id, &jobx.Outcome{Shots: 2})
	assert.True(t, errx.IsCode(err, jobx.ErrInvalidTransition))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobx.StateCompleted, job.State)
	assert.Equal(t, 1, job.Result.Shots)
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	id, err := s.Create(ctx, newJob())
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, id, jobx.StateQueued))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.UpdateState(ctx, id, jobx.StateClaimed) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCountActiveAndRetention(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock()
	s := New(clk)

	a, err := s.Create(ctx, newJob())
	require.NoError(t, err)
	_, err = s.Create(ctx, newJob())
	require.NoError(t, err)

	n, err := s.CountActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpdateState(ctx, a, jobx.StateCanceled))
	n, err = s.CountActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.AddTime(48 * time.Hour)
	deleted, err := s.DeleteRetired(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.Get(ctx, a)
	assert.True(t, errx.IsCode(err, jobx.ErrJobNotFound))
}

func TestUnavailable(t *testing.T) {
	s := New(nil)
	s.SetUnavailable(errors.New("connection refused"))

	_, err := s.Create(context.Background(), newJob())
	assert.True(t, errx.IsCode(err, jobx.ErrStorageUnavailable))
}
