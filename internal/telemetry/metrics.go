package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_enqueued_total", Help: "Search jobs created"})
	DedupHits           = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_dedup_hits_total", Help: "Enqueue calls answered by an in-flight job"})
	QuotaRejects        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "search_quota_rejects_total", Help: "Requests rejected by a per-user quota"}, []string{"operation"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerEmpty         = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_empty_total", Help: "Jobs completed with zero videos"})
	WorkerRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	WorkerDiscarded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_jobs_discarded_total", Help: "Results discarded because the job was cancelled mid-flight"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "search_queue_depth", Help: "Waiting jobs"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "search_jobs_inflight", Help: "Jobs currently active in this process"})
	CacheLookups        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "search_cache_lookups_total", Help: "Cache lookups by outcome"}, []string{"result"})
	CacheTier2Errors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "search_cache_tier2_errors_total", Help: "Shared cache tier failures (degraded to local tier)"})
	FetchRetries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_fetch_retries_total", Help: "Provider call retries by cause"}, []string{"cause"})
	AdapterDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "provider_search_duration_seconds", Help: "Adapter search latency", Buckets: []float64{1, 5, 10, 30, 60, 120, 300}}, []string{"platform", "outcome"})
	SubscribersGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "status_subscribers", Help: "Open status subscriptions"})
	RecrawlTriggers     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recrawl_triggers_total", Help: "Recrawl requests by outcome"}, []string{"outcome"})
	MediaArchiveResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_archive_total", Help: "Thumbnail archive attempts by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupHits,
			QuotaRejects,
			WorkerSuccess,
			WorkerEmpty,
			WorkerRetries,
			WorkerFailures,
			WorkerDiscarded,
			QueueDepthGauge,
			InFlightGauge,
			CacheLookups,
			CacheTier2Errors,
			FetchRetries,
			AdapterDuration,
			SubscribersGauge,
			RecrawlTriggers,
			MediaArchiveResults,
		)
	})
	return promhttp.Handler()
}
