package auth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthMetrics holds Prometheus metrics for session authentication.
type AuthMetrics struct {
	loginsTotal    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

var (
	authMetricsInstance *AuthMetrics
	authMetricsOnce     sync.Once
)

// GetAuthMetrics returns the singleton auth metrics instance.
func GetAuthMetrics() *AuthMetrics {
	authMetricsOnce.Do(func() {
		authMetricsInstance = &AuthMetrics{
			loginsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "auth",
					Name:      "logins_total",
					Help:      "Total number of login attempts by result.",
				},
				[]string{"result"},
			),
			activeSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gateway",
					Subsystem: "auth",
					Name:      "active_sessions",
					Help:      "Number of currently stored session tokens.",
				},
			),
		}
	})
	return authMetricsInstance
}
