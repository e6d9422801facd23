package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the memory engine's Prometheus metrics
type Metrics struct {
	// Retrieval
	RetrievalRequests *prometheus.CounterVec // by outcome: ok, degraded, failed
	RetrievalLatency  prometheus.Histogram
	TierLatency       *prometheus.HistogramVec
	TierFailures      *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec // by cache and result: hit, miss
	ComposedTokens    prometheus.Histogram

	// Background work
	ConsolidatedEntries *prometheus.CounterVec // by action: created, merged, conflict, rejected, failed
	DecayedEntries      *prometheus.CounterVec // by action: updated, forgotten
	VectorReconciled    *prometheus.CounterVec // by action: upserted, deleted, failed
	JobRuns             *prometheus.CounterVec // by job and status
	JobDuration         *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the process-wide metrics, registering them on first use
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RetrievalRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_retrieval_requests_total",
				Help: "Total number of memory retrievals by outcome",
			}, []string{"outcome"}),

			RetrievalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tutormemory_retrieval_duration_seconds",
				Help:    "End-to-end retrieval latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}),

			TierLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tutormemory_tier_fetch_duration_seconds",
				Help:    "Tier fetch latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			}, []string{"tier"}),

			TierFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_tier_failures_total",
				Help: "Tier fetch failures by tier and error kind",
			}, []string{"tier", "kind"}),

			CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_cache_lookups_total",
				Help: "Cache lookups by cache and result",
			}, []string{"cache", "result"}),

			ComposedTokens: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tutormemory_composed_tokens",
				Help:    "Estimated tokens in composed contexts",
				Buckets: prometheus.ExponentialBuckets(64, 2, 8),
			}),

			ConsolidatedEntries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_consolidated_entries_total",
				Help: "Consolidation outcomes per candidate",
			}, []string{"action"}),

			DecayedEntries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_decayed_entries_total",
				Help: "Decay outcomes per entry",
			}, []string{"action"}),

			VectorReconciled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_vector_reconciled_total",
				Help: "Vector index reconciliation outcomes",
			}, []string{"action"}),

			JobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tutormemory_job_runs_total",
				Help: "Background job runs by job and status",
			}, []string{"job", "status"}),

			JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tutormemory_job_duration_seconds",
				Help:    "Background job duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"job"}),
		}
	})
	return globalMetrics
}
