package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/embeddedbroker/pkg/metrics"
)

// BrokerMetrics is the Prometheus implementation of metrics.Broker.
// A nil *BrokerMetrics is a valid no-op.
type BrokerMetrics struct {
	publishes     *prometheus.CounterVec
	topicsCreated *prometheus.CounterVec
	topics        prometheus.Gauge
	connections   prometheus.Gauge
}

var _ metrics.Broker = (*BrokerMetrics)(nil)

// NewBrokerMetrics registers broker metrics on reg. It returns nil if reg
// is nil.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	if reg == nil {
		return nil
	}

	return &BrokerMetrics{
		publishes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "publishes_total",
				Help:      "Total number of publish requests by result",
			},
			[]string{"result"}, // "ok", "error"
		),
		topicsCreated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "topics_created_total",
				Help:      "Total number of topics created, by creation mode",
			},
			[]string{"mode"}, // "auto", "admin"
		),
		topics: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "topics",
				Help:      "Number of topics known to the broker",
			},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "connections",
				Help:      "Number of open data connections",
			},
		),
	}
}

// ObservePublish records a publish attempt.
func (m *BrokerMetrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

// ObserveTopicCreated records a topic creation.
func (m *BrokerMetrics) ObserveTopicCreated(auto bool) {
	if m == nil {
		return
	}
	mode := "admin"
	if auto {
		mode = "auto"
	}
	m.topicsCreated.WithLabelValues(mode).Inc()
}

// SetTopics sets the number of known topics.
func (m *BrokerMetrics) SetTopics(n int) {
	if m == nil {
		return
	}
	m.topics.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *BrokerMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *BrokerMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
