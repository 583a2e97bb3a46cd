// Package asyncx holds the small set of concurrency helpers shared by the
// orchestrator: a bounded settled pool and a deadline wrapper.
package asyncx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result holds the settled outcome of one task.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the task succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Pool processes items using at most workers goroutines and returns every
// result in the original order. A failing item never stops the others; items
// not started before ctx is done settle with ctx.Err(). A panic inside fn is
// converted into that item's error.
func Pool[T any, R any](
	ctx context.Context,
	workers int,
	items []T,
	fn func(context.Context, T) (R, error),
) []Result[R] {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	type indexed struct {
		i    int
		item T
	}

	work := make(chan indexed, len(items))
	for i, item := range items {
		work <- indexed{i: i, item: item}
	}
	close(work)

	results := make([]Result[R], len(items))

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for w := range work {
				if err := ctx.Err(); err != nil {
					results[w.i] = Result[R]{Err: err}
					continue
				}
				results[w.i] = protect(ctx, w.item, fn)
			}
		}()
	}
	wg.Wait()

	return results
}

func protect[T any, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (res Result[R]) {
	defer func() {
		if p := recover(); p != nil {
			res = Result[R]{Err: fmt.Errorf("asyncx: panic: %v", p)}
		}
	}()
	v, err := fn(ctx, item)
	return Result[R]{Value: v, Err: err}
}

// WithTimeout runs fn with a deadline of d. A non-positive d runs fn with ctx unchanged.
// Returns context.DeadlineExceeded if fn does not finish in time.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
