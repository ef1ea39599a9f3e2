package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type indexMetrics struct {
	searchDuration  prometheus.Histogram
	syncDuration    *prometheus.HistogramVec
	reindexDuration prometheus.Histogram

	chunksIndexed prometheus.Gauge
	filesIndexed  prometheus.Gauge

	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter

	embedRequestsTotal *prometheus.CounterVec
	embedRetriesTotal  prometheus.Counter
	batchFailuresTotal prometheus.Counter
	fallbacksTotal     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *indexMetrics
)

func getMetrics() *indexMetrics {
	metricsOnce.Do(func() {
		m := &indexMetrics{
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Hybrid search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			syncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_sync_duration_seconds",
					Help:    "Sync pass duration in seconds by reason.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"reason"},
			),
			reindexDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_reindex_duration_seconds",
					Help:    "Full reindex duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			chunksIndexed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_indexed",
					Help: "Chunks currently present in the index.",
				},
			),
			filesIndexed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_files_indexed",
					Help: "Files currently present in the index.",
				},
			),
			cacheHitsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_embedding_cache_hits_total",
					Help: "Embedding cache hits.",
				},
			),
			cacheMissesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_embedding_cache_misses_total",
					Help: "Embedding cache misses.",
				},
			),
			embedRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_embed_requests_total",
					Help: "Embedding provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			embedRetriesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_embed_retries_total",
					Help: "Embedding request retries.",
				},
			),
			batchFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_batch_failures_total",
					Help: "Remote batch embedding failures.",
				},
			),
			fallbacksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_provider_fallbacks_total",
					Help: "Embedding provider fallback activations by target provider.",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.searchDuration,
			m.syncDuration,
			m.reindexDuration,
			m.chunksIndexed,
			m.filesIndexed,
			m.cacheHitsTotal,
			m.cacheMissesTotal,
			m.embedRequestsTotal,
			m.embedRetriesTotal,
			m.batchFailuresTotal,
			m.fallbacksTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns an http.Handler exposing prometheus metrics.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordMemorySearch records a hybrid search duration.
func RecordMemorySearch(d time.Duration) {
	getMetrics().searchDuration.Observe(d.Seconds())
}

// RecordMemorySync records a sync pass duration for the given trigger reason.
func RecordMemorySync(reason string, d time.Duration) {
	getMetrics().syncDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// RecordMemoryReindex records a full reindex duration.
func RecordMemoryReindex(d time.Duration) {
	getMetrics().reindexDuration.Observe(d.Seconds())
}

// SetIndexCounts updates the indexed file and chunk gauges.
func SetIndexCounts(files, chunks int) {
	getMetrics().filesIndexed.Set(float64(files))
	getMetrics().chunksIndexed.Set(float64(chunks))
}

// RecordCacheHit increments the embedding cache hit counter by n.
func RecordCacheHit(n int) {
	getMetrics().cacheHitsTotal.Add(float64(n))
}

// RecordCacheMiss increments the embedding cache miss counter by n.
func RecordCacheMiss(n int) {
	getMetrics().cacheMissesTotal.Add(float64(n))
}

// RecordEmbedRequest counts one provider request with its outcome.
func RecordEmbedRequest(provider, status string) {
	getMetrics().embedRequestsTotal.WithLabelValues(provider, status).Inc()
}

// RecordEmbedRetry counts one retried provider request.
func RecordEmbedRetry() {
	getMetrics().embedRetriesTotal.Inc()
}

// RecordBatchFailure counts one remote batch failure.
func RecordBatchFailure() {
	getMetrics().batchFailuresTotal.Inc()
}

// RecordFallback counts one provider fallback activation.
func RecordFallback(provider string) {
	getMetrics().fallbacksTotal.WithLabelValues(provider).Inc()
}
