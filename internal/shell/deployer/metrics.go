package deployer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/changeplan/internal/core/deployment"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the deployer's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	// ChangesTotal counts changes by operation and outcome.
	ChangesTotal *prometheus.CounterVec

	// ChangeDuration observes how long one change took, by operation.
	ChangeDuration *prometheus.HistogramVec

	// RunsTotal counts runs by operation and outcome.
	RunsTotal *prometheus.CounterVec

	// LockWait observes the time spent acquiring the target lock.
	LockWait prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changeplan",
			Name:      "changes_total",
			Help:      "Changes processed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ChangeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "changeplan",
			Name:      "change_duration_seconds",
			Help:      "Time spent running one change script and its ledger write.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"operation"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "changeplan",
			Name:      "runs_total",
			Help:      "Runs finished, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "changeplan",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the target advisory lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) observeChange(op deployment.Operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChangesTotal.WithLabelValues(string(op), outcome).Inc()
	if outcome != OutcomeSkipped {
		m.ChangeDuration.WithLabelValues(string(op)).Observe(d.Seconds())
	}
}

func (m *Metrics) observeRun(op deployment.Operation, outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(op), outcome).Inc()
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}
