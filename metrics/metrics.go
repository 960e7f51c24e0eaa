// Package metrics declares the Prometheus instrumentation for the
// navigation pipeline: package-level collectors registered once at
// import time, mirroring the global-vars-plus-init-registration pattern
// used for the VSA churn telemetry in the wider dependency pack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NavigationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spfnav_navigations_total",
		Help: "Total navigations by type (navigate, navigate-back); load and prefetch requests are not counted.",
	}, []string{"type"})

	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spfnav_reloads_total",
		Help: "Total full-page reload fallbacks by reason code.",
	}, []string{"reason"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spfnav_cache_hits_total",
		Help: "Total navigation requests served from the response cache.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spfnav_cache_misses_total",
		Help: "Total navigation requests that missed the response cache.",
	})

	PrefetchPromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spfnav_prefetch_promotions_total",
		Help: "Total prefetches promoted into a navigation instead of re-requested.",
	})

	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spfnav_request_duration_seconds",
		Help:    "Latency of a dispatched SPF request from send to completion.",
		Buckets: prometheus.DefBuckets,
	})

	ResourcesLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spfnav_resources_loaded_total",
		Help: "Total script/style resources injected by the resource loader.",
	}, []string{"type"})

	TaskQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spfnav_task_queue_depth",
		Help: "Pending task count for a task queue, sampled on each Add/Run and labelled by queue kind (process, animate) rather than the unbounded per-URL/per-element queue name.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		NavigationsTotal,
		ReloadsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		PrefetchPromotionsTotal,
		RequestDuration,
		ResourcesLoaded,
		TaskQueueDepth,
	)
}
