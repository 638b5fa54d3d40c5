package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/embeddedbroker/pkg/metrics"
)

func TestNilMetricsAreNoops(t *testing.T) {
	assert.Nil(t, NewLifecycleMetrics(nil))
	assert.Nil(t, NewBrokerMetrics(nil))

	var l *LifecycleMetrics
	var b *BrokerMetrics
	assert.NotPanics(t, func() {
		l.ObserveProbe(true)
		l.ObserveStartup(metrics.ResultReady, time.Second)
		l.ObserveShutdown(nil)
		b.ObservePublish(nil)
		b.ObserveTopicCreated(true)
		b.SetTopics(3)
		b.ConnectionOpened()
		b.ConnectionClosed()
	})
}

func TestLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetrics(reg)
	require.NotNil(t, m)

	m.ObserveProbe(false)
	m.ObserveProbe(false)
	m.ObserveProbe(true)
	m.ObserveStartup(metrics.ResultReady, 2*time.Second)
	m.ObserveShutdown(errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.probes.WithLabelValues("unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.startups.WithLabelValues(metrics.ResultReady)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shutdowns.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.startupDuration))
}

func TestLifecycleMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewLifecycleMetrics(reg)
	assert.Panics(t, func() { NewLifecycleMetrics(reg) })
}

func TestBrokerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBrokerMetrics(reg)

	for range 3 {
		m.ObservePublish(nil)
	}
	m.ObservePublish(errors.New("x"))
	m.ObserveTopicCreated(true)
	m.SetTopics(5)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.publishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.publishes), "one series per result")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.topicsCreated.WithLabelValues("auto")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.topics))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}
