// Package metrics holds the Prometheus collectors for synced stores and the
// hub. Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scrybe"

// Outbound targets.
const (
	TargetPersist = "persist"
	TargetRemote  = "remote"
)

// Status labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusInvalid = "invalid"
)

// Metrics is a set of registered collectors.
type Metrics struct {
	outbound         *prometheus.CounterVec
	suppressedEchoes *prometheus.CounterVec
	remoteUpdates    *prometheus.CounterVec
	hubConnections   prometheus.Gauge
	hubBroadcasts    *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		outbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_total",
			Help:      "Outbound writes from synced stores by target and result",
		}, []string{"store", "target", "status"}),

		suppressedEchoes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_echoes_total",
			Help:      "Synchronization cycles skipped because the change came from the remote owner",
		}, []string{"store"}),

		remoteUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_updates_total",
			Help:      "Updates received from the remote owner by result",
		}, []string{"store", "status"}),

		hubConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections",
			Help:      "Open websocket connections on the hub",
		}),

		hubBroadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_broadcasts_total",
			Help:      "Update events broadcast by the hub per store",
		}, []string{"name"}),
	}
}

// Outbound records one persistence or remote write.
func (m *Metrics) Outbound(store, target string, err error) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(store, target, status(err)).Inc()
}

// SuppressedEcho records a cycle consumed by the echo latch.
func (m *Metrics) SuppressedEcho(store string) {
	if m == nil {
		return
	}
	m.suppressedEchoes.WithLabelValues(store).Inc()
}

// RemoteUpdate records an inbound update; status is StatusOK or StatusInvalid.
func (m *Metrics) RemoteUpdate(store, status string) {
	if m == nil {
		return
	}
	m.remoteUpdates.WithLabelValues(store, status).Inc()
}

// HubConnected adjusts the open connection gauge by delta.
func (m *Metrics) HubConnected(delta int) {
	if m == nil {
		return
	}
	m.hubConnections.Add(float64(delta))
}

// HubBroadcast records one broadcast of name's update event.
func (m *Metrics) HubBroadcast(name string) {
	if m == nil {
		return
	}
	m.hubBroadcasts.WithLabelValues(name).Inc()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
