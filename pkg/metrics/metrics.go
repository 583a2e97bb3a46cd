// Package metrics holds the orchestrator's prometheus collectors. Every
// method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qorch"

type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	Claims          prometheus.Counter
	LeaseExpired    prometheus.Counter
	RecoveryActions *prometheus.CounterVec
	Leader          prometheus.Gauge
	JobsSubmitted   *prometheus.CounterVec
	JobsRejected    *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobsInFlight    prometheus.Gauge
	JobDuration     prometheus.Histogram
	Retries         prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting in the queue per priority class.",
		}, []string{"class"}),
		Claims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Number of successful queue claims.",
		}),
		LeaseExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Number of claims whose lease lapsed before complete or release.",
		}),
		RecoveryActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Recovery actions taken, by outcome.",
		}, []string{"action"}),
		Leader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this node holds the leadership lease.",
		}),
		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Admitted submissions by effective priority class.",
		}, []string{"class"}),
		JobsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Rejected submissions by reason.",
		}, []string{"reason"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state.",
		}, []string{"state"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs executing on this node.",
		}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal state on this node.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Jobs released back to the queue after a transient failure.",
		}),
	}
}

func (m *Metrics) SetQueueDepth(depth map[jobx.PriorityClass]int64) {
	if m == nil {
		return
	}
	for _, class := range jobx.Priorities {
		m.QueueDepth.WithLabelValues(class.String()).Set(float64(depth[class]))
	}
}

func (m *Metrics) ClaimMade() {
	if m == nil {
		return
	}
	m.Claims.Inc()
}

func (m *Metrics) LeasesExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LeaseExpired.Add(float64(n))
}

func (m *Metrics) RecoveryAction(action string) {
	if m == nil {
		return
	}
	m.RecoveryActions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetLeader(held bool) {
	if m == nil {
		return
	}
	if held {
		m.Leader.Set(1)
		return
	}
	m.Leader.Set(0)
}

func (m *Metrics) JobSubmitted(class jobx.PriorityClass) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) JobRejected(reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobStopped ends an execution started with JobStarted. state is empty when
// the job left this node without reaching a terminal state.
func (m *Metrics) JobStopped(state jobx.State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	if state.IsTerminal() {
		m.JobsFinished.WithLabelValues(string(state)).Inc()
		m.JobDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
