// Package metrics defines the metric hooks of an embedded broker.
//
// Components depend on the interfaces here; Prometheus implementations live
// in pkg/metrics/prometheus. Passing nil (or Noop) disables collection.
package metrics

import "time"

// Start results recorded by Lifecycle.ObserveStartup.
const (
	ResultReady     = "ready"
	ResultTimedOut  = "timed_out"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// Lifecycle records the startup behavior of embedded instances.
type Lifecycle interface {
	// ObserveProbe records one readiness probe.
	ObserveProbe(healthy bool)

	// ObserveStartup records the outcome and duration of one Start.
	ObserveStartup(result string, d time.Duration)

	// ObserveShutdown records one dependency shutdown.
	ObserveShutdown(err error)
}

// Broker records broker traffic.
type Broker interface {
	// ObservePublish records a publish attempt. Topic names are not
	// recorded since any client-chosen name reaches this hook.
	ObservePublish(err error)

	// ObserveTopicCreated records a topic creation.
	ObserveTopicCreated(auto bool)

	// SetTopics sets the number of known topics.
	SetTopics(n int)

	// ConnectionOpened and ConnectionClosed track data connections.
	ConnectionOpened()
	ConnectionClosed()
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveProbe(bool)                    {}
func (Noop) ObserveStartup(string, time.Duration) {}
func (Noop) ObserveShutdown(error)                {}
func (Noop) ObservePublish(error)                 {}
func (Noop) ObserveTopicCreated(bool)             {}
func (Noop) SetTopics(int)                        {}
func (Noop) ConnectionOpened()                    {}
func (Noop) ConnectionClosed()                    {}

var (
	_ Lifecycle = Noop{}
	_ Broker    = Noop{}
)
