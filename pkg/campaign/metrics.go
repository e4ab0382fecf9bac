package campaign

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oisee/cftrace/pkg/result"
)

// Metrics are the campaign's prometheus collectors.
type Metrics struct {
	Cases       *prometheus.CounterVec
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cftrace",
				Name:      "cases_total",
				Help:      "Campaign cases by verdict.",
			},
			[]string{"verdict"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cftrace",
				Name:      "runs_total",
				Help:      "Kernel executions by target and failure kind (ok on success).",
			},
			[]string{"target", "kind"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cftrace",
				Name:      "run_duration_seconds",
				Help:      "Wall time of one kernel execution.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"target"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Cases, m.Runs, m.RunDuration)
	}
	return m
}

func (m *Metrics) observeRun(target, kind string, seconds float64) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.Runs.WithLabelValues(target, kind).Inc()
	m.RunDuration.WithLabelValues(target).Observe(seconds)
}

func (m *Metrics) observeCase(v result.Verdict) {
	if m == nil {
		return
	}
	m.Cases.WithLabelValues(string(v)).Inc()
}
