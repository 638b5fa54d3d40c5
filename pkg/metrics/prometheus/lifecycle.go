// Package prometheus implements the metric hooks of pkg/metrics on top of
// the Prometheus client library.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/embeddedbroker/pkg/metrics"
)

// Namespace prefixes every metric name.
const Namespace = "embeddedbroker"

// LifecycleMetrics is the Prometheus implementation of metrics.Lifecycle.
// A nil *LifecycleMetrics is a valid no-op.
type LifecycleMetrics struct {
	probes          *prometheus.CounterVec
	startups        *prometheus.CounterVec
	startupDuration prometheus.Histogram
	shutdowns       *prometheus.CounterVec
}

var _ metrics.Lifecycle = (*LifecycleMetrics)(nil)

// NewLifecycleMetrics registers lifecycle metrics on reg. It returns nil
// if reg is nil.
func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	if reg == nil {
		return nil
	}

	return &LifecycleMetrics{
		probes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "probes_total",
				Help:      "Total number of readiness probes by result",
			},
			[]string{"result"}, // "healthy", "unhealthy"
		),
		startups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "startups_total",
				Help:      "Total number of instance startups by result",
			},
			[]string{"result"}, // "ready", "timed_out", "cancelled", "failed"
		),
		startupDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "startup_duration_seconds",
				Help:      "Time from Start until the instance was ready or gave up",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180, 300},
			},
		),
		shutdowns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "shutdowns_total",
				Help:      "Total number of dependency shutdowns by result",
			},
			[]string{"result"}, // "ok", "error"
		),
	}
}

// ObserveProbe records one readiness probe.
func (m *LifecycleMetrics) ObserveProbe(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.probes.WithLabelValues("healthy").Inc()
	} else {
		m.probes.WithLabelValues("unhealthy").Inc()
	}
}

// ObserveStartup records the outcome of one Start.
func (m *LifecycleMetrics) ObserveStartup(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.startups.WithLabelValues(result).Inc()
	m.startupDuration.Observe(d.Seconds())
}

// ObserveShutdown records one dependency shutdown.
func (m *LifecycleMetrics) ObserveShutdown(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.shutdowns.WithLabelValues("error").Inc()
	} else {
		m.shutdowns.WithLabelValues("ok").Inc()
	}
}
