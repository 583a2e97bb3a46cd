package asyncx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSettlesEveryItem(t *testing.T) {
	var inFlight, peak int32
	items := []int{1, 2, 3, 4, 5, 6}

	results := Pool(context.Background(), 2, items, func(_ context.Context, n int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if n == 3 {
			return 0, errors.New("three")
		}
		if n == 4 {
			panic("four")
		}
		return n * 10, nil
	})

	require.Len(t, results, len(items))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 10, results[0].Value)
	assert.EqualError(t, results[2].Err, "three")
	assert.ErrorContains(t, results[3].Err, "panic: four")
	assert.True(t, results[5].OK())
	assert.Equal(t, 60, results[5].Value)
}

func TestPoolCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Pool(ctx, 3, []int{1, 2}, func(context.Context, int) (int, error) {
		return 1, nil
	})
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(time.Millisecond)
		return 0, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
