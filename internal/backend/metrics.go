package backend

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics holds Prometheus metrics for the backend cache.
type CacheMetrics struct {
	refreshesTotal  *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	backendsKnown   prometheus.Gauge
	probesTotal     *prometheus.CounterVec
}

var (
	cacheMetrics     *CacheMetrics
	cacheMetricsOnce sync.Once
)

// GetCacheMetrics returns the singleton cache metrics instance.
func GetCacheMetrics() *CacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheMetrics = newCacheMetrics()
	})
	return cacheMetrics
}

func newCacheMetrics() *CacheMetrics {
	return &CacheMetrics{
		refreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "backend",
				Name:      "cache_refreshes_total",
				Help:      "Total number of backend cache refresh attempts by result",
			},
			[]string{"result"},
		),
		refreshDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "backend",
				Name:      "cache_refresh_duration_seconds",
				Help:      "Duration of successful backend cache refreshes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		backendsKnown: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "backend",
				Name:      "cache_backends",
				Help:      "Number of backends in the current cache snapshot",
			},
		),
		probesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "backend",
				Name:      "health_probes_total",
				Help:      "Total number of on-demand health probes by result",
			},
			[]string{"backend", "result"},
		),
	}
}
