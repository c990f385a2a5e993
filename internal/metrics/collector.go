// Package metrics exposes Prometheus counters and gauges for the
// connection core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "overlayd"
	subsystem = "core"
)

// Label names for connection metrics.
const (
	labelPeer      = "peer"
	labelTransport = "transport"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelPartType  = "part_type"
	labelDirection = "direction"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Connection Metrics
// -------------------------------------------------------------------------

// Collector holds all connection-core Prometheus metrics.
//
//   - Connections tracks currently UP sessions.
//   - Frame counters track sent/received/dropped volumes per peer.
//   - StateTransitions records FSM changes for alerting.
//   - HelloVerified/HelloRejected flag advertisement gossip health.
//   - Violations counts bandwidth-fairness penalty events.
type Collector struct {
	// Connections tracks the number of currently UP connections.
	Connections *prometheus.GaugeVec

	// FramesSent counts encrypted/plaintext frames transmitted per peer.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames successfully demultiplexed per peer.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames dropped (replay, MAC failure, missing
	// session key, stale timestamp, full inbound queue) per peer.
	FramesDropped *prometheus.CounterVec

	// StateTransitions counts FSM state transitions, labeled old/new.
	StateTransitions *prometheus.CounterVec

	// HelloVerified counts HELLO advertisements that passed signature
	// and age verification.
	HelloVerified *prometheus.CounterVec

	// HelloRejected counts HELLO advertisements rejected (bad
	// signature, expired, blacklisted originator).
	HelloRejected *prometheus.CounterVec

	// Violations counts bandwidth-fairness penalty events (spec §4.6).
	Violations *prometheus.CounterVec

	// TrafficMessages counts messages exchanged per part type and
	// direction, feeding internal/core.trafficStats's same rolling
	// counter into Prometheus for long-term observability.
	TrafficMessages *prometheus.CounterVec

	// TrafficBytes counts bytes exchanged per part type and direction.
	TrafficBytes *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.StateTransitions,
		c.HelloVerified,
		c.HelloRejected,
		c.Violations,
		c.TrafficMessages,
		c.TrafficBytes,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeer, labelTransport}
	transitionLabels := []string{labelPeer, labelFromState, labelToState}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently UP connections.",
		}, []string{labelTransport}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total frames transmitted.",
		}, peerLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total frames successfully demultiplexed.",
		}, peerLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped due to replay, MAC failure, or queue overflow.",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total connection FSM state transitions.",
		}, transitionLabels),

		HelloVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hello_verified_total",
			Help:      "Total HELLO advertisements that passed verification.",
		}, []string{labelTransport}),

		HelloRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hello_rejected_total",
			Help:      "Total HELLO advertisements rejected.",
		}, []string{labelTransport}),

		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bandwidth_violations_total",
			Help:      "Total bandwidth-fairness penalty events.",
		}, []string{labelPeer}),

		TrafficMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "traffic_messages_total",
			Help:      "Total messages exchanged, labeled by part type and direction.",
		}, []string{labelPartType, labelDirection}),

		TrafficBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "traffic_bytes_total",
			Help:      "Total bytes exchanged, labeled by part type and direction.",
		}, []string{labelPartType, labelDirection}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the UP-connections gauge for transport.
func (c *Collector) RegisterConnection(transport string) {
	c.Connections.WithLabelValues(transport).Inc()
}

// UnregisterConnection decrements the UP-connections gauge for transport.
func (c *Collector) UnregisterConnection(transport string) {
	c.Connections.WithLabelValues(transport).Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted-frames counter for peer.
func (c *Collector) IncFramesSent(peer, transport string) {
	c.FramesSent.WithLabelValues(peer, transport).Inc()
}

// IncFramesReceived increments the received-frames counter for peer.
func (c *Collector) IncFramesReceived(peer, transport string) {
	c.FramesReceived.WithLabelValues(peer, transport).Inc()
}

// IncFramesDropped increments the dropped-frames counter for peer.
func (c *Collector) IncFramesDropped(peer, transport string) {
	c.FramesDropped.WithLabelValues(peer, transport).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the transition counter with the old
// and new state labels. Used for alerting on UP->DOWN flaps.
func (c *Collector) RecordStateTransition(peer, from, to string) {
	c.StateTransitions.WithLabelValues(peer, from, to).Inc()
}

// -------------------------------------------------------------------------
// Advertisements
// -------------------------------------------------------------------------

// IncHelloVerified increments the verified-HELLO counter for transport.
func (c *Collector) IncHelloVerified(transport string) {
	c.HelloVerified.WithLabelValues(transport).Inc()
}

// IncHelloRejected increments the rejected-HELLO counter for transport.
func (c *Collector) IncHelloRejected(transport string) {
	c.HelloRejected.WithLabelValues(transport).Inc()
}

// -------------------------------------------------------------------------
// Fairness
// -------------------------------------------------------------------------

// IncViolations increments the bandwidth-violation counter for peer.
func (c *Collector) IncViolations(peer string) {
	c.Violations.WithLabelValues(peer).Inc()
}

// -------------------------------------------------------------------------
// Traffic Statistics
// -------------------------------------------------------------------------

// RecordTraffic increments the message and byte counters for partType
// in the given direction ("sent" or "received").
func (c *Collector) RecordTraffic(partType string, direction string, size int) {
	c.TrafficMessages.WithLabelValues(partType, direction).Inc()
	c.TrafficBytes.WithLabelValues(partType, direction).Add(float64(size))
}
