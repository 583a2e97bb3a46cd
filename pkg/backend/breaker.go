package backend

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the circuit around one backend.
type BreakerSettings struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenCalls are let through while probing; that many successes close it.
	HalfOpenCalls uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenCalls:    1,
	}
}

// Breaker wraps a Backend with a circuit breaker. An open circuit fails fast
// with ErrUnavailable, which sends jobs back to the queue.
type Breaker struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker[any]
}

var (
	_ Backend = (*Breaker)(nil)
	_ Aborter = (*Breaker)(nil)
)

func NewBreaker(inner Backend, s BreakerSettings) *Breaker {
	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenCalls,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		// Answers about a specific job say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errx.TypeOf(err).Transient()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logx.WithFields(logx.Fields{
				"backend": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("backend: circuit state changed")
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) Name() string { return b.inner.Name() }

// State exposes the circuit state for health reporting.
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Submit(ctx context.Context, payload []byte, shots int) (string, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.Submit(ctx, payload, shots)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) Status(ctx context.Context, backendJobID string) (Status, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.Status(ctx, backendJobID)
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

func (b *Breaker) Result(ctx context.Context, backendJobID string) (*jobx.Outcome, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.Result(ctx, backendJobID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jobx.Outcome), nil
}

func (b *Breaker) Abort(ctx context.Context, backendJobID string) (bool, error) {
	a, ok := b.inner.(Aborter)
	if !ok {
		return false, nil
	}
	v, err := b.execute(func() (interface{}, error) {
		return a.Abort(ctx, backendJobID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Unavailable(b.inner.Name(), err)
	}
	return v, err
}
