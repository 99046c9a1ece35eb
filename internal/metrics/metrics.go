// Package metrics holds the Prometheus instruments of the search pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for searches and backend calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Backend call latencies by endpoint and outcome
	BackendLatency *prometheus.HistogramVec

	// Backend outcomes by endpoint and outcome
	BackendOutcome *prometheus.CounterVec

	// Malformed entries dropped while parsing, by endpoint
	SkippedEntries *prometheus.CounterVec

	// Terminal search status
	SearchStatus *prometheus.CounterVec

	RecordsEmitted prometheus.Counter
	Duplicates     prometheus.Counter
}

// New registers the instruments with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		BackendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keysearch_backend_duration_seconds",
			Help:    "Duration of keyserver backend calls by endpoint and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint", "outcome"}),

		BackendOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keysearch_backend_outcomes_total",
			Help: "Total backend call outcomes by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),

		SkippedEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keysearch_skipped_entries_total",
			Help: "Malformed backend entries dropped while parsing",
		}, []string{"endpoint"}),

		SearchStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keysearch_searches_total",
			Help: "Total searches by terminal status",
		}, []string{"status"}),

		RecordsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "keysearch_records_emitted_total",
			Help: "Key records written to callers",
		}),

		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "keysearch_duplicate_records_total",
			Help: "Key records dropped because another backend returned them first",
		}),
	}
}

// ObserveBackend records one completed backend call.
func (m *Metrics) ObserveBackend(endpoint, outcome string, d time.Duration, skipped int) {
	if m == nil {
		return
	}
	m.BackendLatency.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
	m.BackendOutcome.WithLabelValues(endpoint, outcome).Inc()
	if skipped > 0 {
		m.SkippedEntries.WithLabelValues(endpoint).Add(float64(skipped))
	}
}

// ObserveSearch records the terminal status and counts of a search.
func (m *Metrics) ObserveSearch(status string, records, duplicates int) {
	if m == nil {
		return
	}
	m.SearchStatus.WithLabelValues(status).Inc()
	m.RecordsEmitted.Add(float64(records))
	m.Duplicates.Add(float64(duplicates))
}
