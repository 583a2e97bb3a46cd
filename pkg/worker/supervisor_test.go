package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorBoundsSlots(t *testing.T) {
	s := NewSupervisor(2)
	require.True(t, s.TryAcquire())
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())

	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestSupervisorGoReturnsSlot(t *testing.T) {
	s := NewSupervisor(1)
	require.True(t, s.TryAcquire())

	release := make(chan struct{})
	s.Go(context.Background(), "j1", func(ctx context.Context) { <-release })

	assert.True(t, s.Running("j1"))
	assert.Equal(t, 1, s.InFlight())
	assert.False(t, s.TryAcquire())

	close(release)
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
	assert.True(t, s.TryAcquire())
}

func TestSupervisorCancelCause(t *testing.T) {
	s := NewSupervisor(1)
	require.True(t, s.TryAcquire())

	cause := make(chan error, 1)
	s.Go(context.Background(), "j1", func(ctx context.Context) {
		<-ctx.Done()
		cause <- context.Cause(ctx)
	})

	assert.True(t, s.Cancel("j1"))
	select {
	case err := <-cause:
		assert.True(t, errors.Is(err, errJobCanceled))
	case <-time.After(time.Second):
		t.Fatal("execution not canceled")
	}
	assert.False(t, s.Cancel(kernel.JobID("unknown")))
}

func TestSupervisorShutdown(t *testing.T) {
	s := NewSupervisor(3)

	causes := make(chan error, 3)
	for _, id := range []kernel.JobID{"a", "b", "c"} {
		require.True(t, s.TryAcquire())
		s.Go(context.Background(), id, func(ctx context.Context) {
			<-ctx.Done()
			causes <- context.Cause(ctx)
		})
	}

	assert.True(t, s.Shutdown(time.Second))
	assert.Equal(t, 0, s.InFlight())
	for i := 0; i < 3; i++ {
		assert.True(t, errors.Is(<-causes, errShutdown))
	}
}

func TestSupervisorShutdownTimeout(t *testing.T) {
	s := NewSupervisor(1)
	require.True(t, s.TryAcquire())

	release := make(chan struct{})
	defer close(release)
	s.Go(context.Background(), "stuck", func(ctx context.Context) { <-release })

	assert.False(t, s.Shutdown(20*time.Millisecond))
}
