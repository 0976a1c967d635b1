// Package metrics exposes Prometheus instrumentation for redimux. Wiring it
// into a registry is optional; all metrics are registered lazily by
// RegisterCoreMetrics so a process that never calls it pays no cost beyond
// the package-level vars.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LockAttempts counts TryLock/Lock attempts by outcome
	// ("acquired", "deadlock", "timeout", "error").
	LockAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redimux_lock_attempts_total",
		Help: "Total number of lock attempts by outcome",
	}, []string{"outcome"})

	// LockWaitSeconds observes how long a blocking Lock call waited before
	// returning, successfully or not.
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redimux_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.DefBuckets,
	})

	// RefreshTotal counts refresh attempts by outcome ("extended", "lost",
	// "error").
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redimux_refresh_total",
		Help: "Total number of refresh attempts by outcome",
	}, []string{"outcome"})

	// WatcherReconnects counts reconnect attempts by the Watcher.
	WatcherReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redimux_watcher_reconnects_total",
		Help: "Total number of Watcher reconnect attempts",
	})

	// WatcherUp reports 1 while the Watcher has a live subscription, 0
	// otherwise.
	WatcherUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redimux_watcher_up",
		Help: "1 if the Watcher subscription is currently established",
	})
)

// NewRegistry creates a new Prometheus registry for a caller that wants
// redimux's metrics isolated from the default global registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers all redimux metrics on reg.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockAttempts, LockWaitSeconds, RefreshTotal, WatcherReconnects, WatcherUp)
}

// ObserveWait records a lock-wait duration.
func ObserveWait(d time.Duration) {
	LockWaitSeconds.Observe(d.Seconds())
}
