package sched

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/Abraxas-365/qorch/pkg/policy"
)

// AdmitRequest describes one submission attempt.
type AdmitRequest struct {
	ClientID kernel.ClientID
	// Scopes are the caller's credential scopes; "priority:high" lifts the
	// client's ceiling to High.
	Scopes            []string
	RequestedPriority jobx.PriorityClass
	BackendTarget     string
	Shots             int
}

// GateOptions configures a Gate.
type GateOptions struct {
	RateWindow time.Duration
	// MinSamples is the number of completions in the usage window below
	// which shares are too noisy to adjust priority.
	MinSamples int64
	// Observer is told the reason of every rejection.
	Observer func(reason string)
}

type GateOption func(*GateOptions)

func WithRateWindow(d time.Duration) GateOption {
	return func(o *GateOptions) {
		if d > 0 {
			o.RateWindow = d
		}
	}
}

func WithMinSamples(n int64) GateOption {
	return func(o *GateOptions) {
		if n >= 0 {
			o.MinSamples = n
		}
	}
}

func WithRejectionObserver(fn func(reason string)) GateOption {
	return func(o *GateOptions) {
		o.Observer = fn
	}
}

// Gate is the admission gate. Checks run in a fixed order and the first
// failing one decides the rejection reason.
type Gate struct {
	policies *policy.Registry
	backends BackendCatalog
	active   ActiveCounter
	limiter  RateLimiter
	usage    UsageTracker
	opts     GateOptions
}

// NewGate creates a gate. usage may be nil to disable fairness.
func NewGate(policies *policy.Registry, backends BackendCatalog, active ActiveCounter, limiter RateLimiter, usage UsageTracker, options ...GateOption) *Gate {
	opts := GateOptions{
		RateWindow: time.Minute,
		MinSamples: 20,
	}
	for _, o := range options {
		o(&opts)
	}
	return &Gate{
		policies: policies,
		backends: backends,
		active:   active,
		limiter:  limiter,
		usage:    usage,
		opts:     opts,
	}
}

// Admit returns the effective priority class, or a Rejected error naming the
// violated rule. Storage failures are returned as ErrStorageUnavailable.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (jobx.PriorityClass, error) {
	client := req.ClientID.String()
	p := g.policies.Lookup(req.ClientID)

	if !p.AllowsOperation(kernel.ScopeJobsSubmit) {
		return 0, g.reject(client, ReasonOperationNotPermitted)
	}
	if !p.AllowsBackend(req.BackendTarget) {
		return 0, g.reject(client, ReasonBackendNotPermitted)
	}
	if g.backends != nil && !g.backends.Has(req.BackendTarget) {
		return 0, g.reject(client, ReasonUnknownBackend)
	}
	if p.MaxShotsPerJob > 0 && req.Shots > p.MaxShotsPerJob {
		return 0, g.reject(client, ReasonShotsExceedLimit)
	}
	if p.MaxQueuedJobs > 0 {
		n, err := g.active.CountActive(ctx, req.ClientID)
		if err != nil {
			return 0, StorageUnavailable("count_active", err).WithDetail("client_id", client)
		}
		if n >= p.MaxQueuedJobs {
			return 0, g.reject(client, ReasonQueueFull)
		}
	}
	if p.RatePerMinute > 0 && g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, "submit:"+client, p.RatePerMinute, g.opts.RateWindow)
		if err != nil {
			return 0, StorageUnavailable("rate_limit", err).WithDetail("client_id", client)
		}
		if !ok {
			return 0, g.reject(client, ReasonRateLimitExceeded)
		}
	}

	ceiling := p.Ceiling()
	if kernel.ScopeGranted(req.Scopes, kernel.ScopePriorityHigh) || p.AllowsOperation(kernel.ScopePriorityHigh) {
		ceiling = jobx.PriorityHigh
	}

	class := req.RequestedPriority
	if !class.Valid() {
		class = jobx.PriorityNormal
	}
	if class < ceiling {
		class = ceiling
	}
	return g.adjustForFairness(ctx, req.ClientID, p, class, ceiling), nil
}

// adjustForFairness moves class one step by the client's share of recent
// completions relative to its weight. The boost never passes the ceiling.
func (g *Gate) adjustForFairness(ctx context.Context, client kernel.ClientID, p policy.ClientPolicy, class, ceiling jobx.PriorityClass) jobx.PriorityClass {
	if g.usage == nil || p.FairShareWeight <= 0 {
		return class
	}
	own, total, err := g.usage.Usage(ctx, client)
	if err != nil {
		logx.WithError(err).WithField("client_id", client.String()).Warn("sched: usage unavailable, skipping fairness")
		return class
	}
	if total == 0 || total < g.opts.MinSamples {
		return class
	}

	ratio := (float64(own) / float64(total)) / p.FairShareWeight
	switch {
	case ratio < BoostBelow:
		if raised := class.Raise(); raised >= ceiling {
			return raised
		}
	case ratio > ReduceAbove:
		return class.Lower()
	}
	return class
}

// Authorize checks that the client's policy grants op, such as "jobs:read".
func (g *Gate) Authorize(client kernel.ClientID, op string) error {
	p := g.policies.Lookup(client)
	if !p.AllowsOperation(op) {
		return g.reject(client.String(), ReasonOperationNotPermitted).WithDetail("operation", op)
	}
	return nil
}

// RecordCompletion feeds the fairness tracker.
func (g *Gate) RecordCompletion(ctx context.Context, client kernel.ClientID) {
	if g.usage == nil {
		return
	}
	if err := g.usage.RecordCompletion(ctx, client); err != nil {
		logx.WithError(err).WithField("client_id", client.String()).Warn("sched: record completion failed")
	}
}

func (g *Gate) reject(client, reason string) *errx.Error {
	logx.WithFields(logx.Fields{"client_id": client, "reason": reason}).Debug("sched: submission rejected")
	if g.opts.Observer != nil {
		g.opts.Observer(reason)
	}
	return Rejected(client, reason)
}
