// Package metrics holds the Prometheus counters for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// Metrics provides observability for the interception pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Findings          *prometheus.CounterVec
	Intercepts        prometheus.Counter
	Restores          prometheus.Counter
	Rehydrates        prometheus.Counter
	Orphans           prometheus.Counter
	StrategyFailures  *prometheus.CounterVec
	StrategyDuration  *prometheus.HistogramVec
	StoreFailures     prometheus.Counter
	MalformedBodies   prometheus.Counter
	CorrelationMisses prometheus.Counter
}

// New registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shadowgate_findings_total",
			Help: "Sensitive values replaced, by kind",
		}, []string{"kind"}),
		Intercepts: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_intercepts_total",
			Help: "Requests forwarded with at least one placeholder",
		}),
		Restores: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_restores_total",
			Help: "Responses in which placeholders were restored",
		}),
		Rehydrates: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_rehydrates_total",
			Help: "Rehydrate calls",
		}),
		Orphans: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_orphan_tokens_total",
			Help: "Placeholders with no vault mapping seen during rehydrate",
		}),
		StrategyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shadowgate_strategy_failures_total",
			Help: "Detection strategy failures, by strategy and reason",
		}, []string{"strategy", "reason"}),
		StrategyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shadowgate_strategy_duration_seconds",
			Help:    "Duration of one detection strategy run",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"strategy"}),
		StoreFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_store_failures_total",
			Help: "Vault writes that failed after all retries",
		}),
		MalformedBodies: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_malformed_bodies_total",
			Help: "Request bodies that were not valid JSON and were scanned as text",
		}),
		CorrelationMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "shadowgate_correlation_misses_total",
			Help: "Responses with no bound session",
		}),
	}
}

// ObserveStrategy records one strategy result. It is shaped to be passed to
// sanitize.WithObserver.
func (m *Metrics) ObserveStrategy(r sanitize.StrategyResult) {
	if m == nil {
		return
	}
	m.StrategyDuration.WithLabelValues(r.Name).Observe(r.Elapsed.Seconds())
	switch {
	case r.Err == nil:
	case r.Degraded():
		m.StrategyFailures.WithLabelValues(r.Name, "unavailable").Inc()
	default:
		m.StrategyFailures.WithLabelValues(r.Name, "error").Inc()
	}
}

// AddFindings counts replaced values by kind.
func (m *Metrics) AddFindings(kinds map[sanitize.Kind]int) {
	if m == nil {
		return
	}
	for k, n := range kinds {
		m.Findings.WithLabelValues(string(k)).Add(float64(n))
	}
}

func (m *Metrics) IncIntercept() {
	if m != nil {
		m.Intercepts.Inc()
	}
}

func (m *Metrics) IncRestore() {
	if m != nil {
		m.Restores.Inc()
	}
}

// IncRehydrate counts one rehydrate call and its orphans.
func (m *Metrics) IncRehydrate(orphans int) {
	if m != nil {
		m.Rehydrates.Inc()
		m.Orphans.Add(float64(orphans))
	}
}

func (m *Metrics) IncStoreFailure() {
	if m != nil {
		m.StoreFailures.Inc()
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.MalformedBodies.Inc()
	}
}

func (m *Metrics) IncCorrelationMiss() {
	if m != nil {
		m.CorrelationMisses.Inc()
	}
}
