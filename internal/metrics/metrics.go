// Package metrics owns the Prometheus collectors exported at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	notifyOutcomes *prometheus.CounterVec
	pushDeliveries *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	reports        *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
}

// New builds the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		notifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpick_notify_outcomes_total",
			Help: "Notification dispatcher invocations by outcome",
		}, []string{"outcome"}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpick_push_deliveries_total",
			Help: "Push delivery attempts by result",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qpick_search_duration_seconds",
			Help:    "Search aggregation latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"sort"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpick_reports_total",
			Help: "Submitted availability reports by status",
		}, []string{"status", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qpick_score_cache_lookups_total",
			Help: "Score cache lookups by result",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{m.notifyOutcomes, m.pushDeliveries, m.searchDuration, m.reports, m.cacheLookups}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOutcome counts one dispatcher outcome.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.notifyOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDelivery counts one push delivery attempt.
func (m *Metrics) ObserveDelivery(status string) {
	if m == nil {
		return
	}
	m.pushDeliveries.WithLabelValues(status).Inc()
}

// ObserveSearch records the latency of one search aggregation.
func (m *Metrics) ObserveSearch(sortMode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(sortMode).Observe(elapsed.Seconds())
}

// ObserveReport counts a report submission. result is stored, already_voted or error.
func (m *Metrics) ObserveReport(status, result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(status, result).Inc()
}

// ObserveCache counts a score cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
