package concurrency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed by the lock manager.
type Metrics struct {
	lockWaits      *prometheus.CounterVec
	deadlocks      prometheus.Counter
	timeouts       prometheus.Counter
	stoppedClients prometheus.Counter
	waitDuration   prometheus.Histogram
	activeClients  prometheus.Gauge
}

// NewMetrics registers the lock metrics with r. A nil r leaves them unregistered.
func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		lockWaits: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "glock",
			Name:      "lock_waits_total",
			Help:      "Total number of lock acquisitions that had to wait, by requested lock type.",
		}, []string{"lock_type"}),
		deadlocks: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "glock",
			Name:      "deadlocks_total",
			Help:      "Total number of acquisitions aborted because of a deadlock.",
		}),
		timeouts: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "glock",
			Name:      "lock_acquisition_timeouts_total",
			Help:      "Total number of acquisitions that exceeded the acquisition timeout.",
		}),
		stoppedClients: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "glock",
			Name:      "clients_stopped_total",
			Help:      "Total number of lock clients stopped from another goroutine.",
		}),
		waitDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "glock",
			Name:      "lock_wait_duration_seconds",
			Help:      "Time spent waiting for a lock, whatever the outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		activeClients: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "glock",
			Name:      "active_clients",
			Help:      "Number of lock clients currently registered.",
		}),
	}
}
