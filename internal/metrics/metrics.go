// Package metrics holds the process-wide Prometheus collectors shared by
// every runner component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecuteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extrun_execute_total",
		Help: "Execute pipeline completions by result.",
	}, []string{"result"})

	ExecuteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extrun_execute_duration_seconds",
		Help:    "Execute pipeline wall-clock duration.",
		Buckets: prometheus.DefBuckets,
	})

	CacheHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_cache_hit_total",
		Help: "Bundle cache hits (UI index already present on disk).",
	})

	CacheMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_cache_miss_total",
		Help: "Bundle cache misses requiring fetch+extract.",
	})

	CacheEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_cache_evicted_total",
		Help: "Bundle cache entries evicted to respect the byte budget.",
	})

	CapabilityDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extrun_capability_denied_total",
		Help: "Host capability checks that denied a guest call.",
	}, []string{"capability"})

	RegistryDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_registry_denied_total",
		Help: "Registry validation calls that resulted in denial.",
	})

	RegistryCacheHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_registry_cache_hit_total",
		Help: "Registry validation results served from cache.",
	})

	DebugEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extrun_debug_events_total",
		Help: "Debug events broadcast, by stream.",
	}, []string{"stream"})

	DebugDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extrun_debug_dropped_total",
		Help: "Debug events dropped due to buffer overflow (lossy by design).",
	})

	SecretResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extrun_secret_resolutions_total",
		Help: "Secret envelope resolutions, by cache outcome.",
	}, []string{"cache"})
)
