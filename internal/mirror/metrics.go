package mirror

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	entriesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "entries_processed_total",
			Help:      "Engine iterations by outcome.",
		},
		[]string{"outcome"},
	)
	fetchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "fetch_retries_total",
			Help:      "Fetch backoffs after a transport failure.",
		},
		[]string{"host"},
	)
	manifestPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirrord",
			Name:      "manifest_passes_total",
			Help:      "Completed passes over the manifest (reshuffles).",
		},
	)
	cursorGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirrord",
			Name:      "cursor",
			Help:      "Index of the next manifest entry.",
		},
	)
)

// RegisterMetrics registers the engine collectors with the default registry
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(entriesProcessed, fetchRetries, manifestPasses, cursorGauge)
	})
}

func recordOutcome(o Outcome, cursor int) {
	RegisterMetrics()
	entriesProcessed.WithLabelValues(o.String()).Inc()
	cursorGauge.Set(float64(cursor))
}

func recordPass() {
	RegisterMetrics()
	manifestPasses.Inc()
}

// RecordFetchRetry counts one backoff for host
func RecordFetchRetry(host string) {
	RegisterMetrics()
	fetchRetries.WithLabelValues(host).Inc()
}
