package netmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "netsync"

const (
	subsystemHub       = "hub"
	subsystemDiscovery = "discovery"
	subsystemNV        = "nv"
	subsystemPub       = "pub"
)

// Label names for netsync metrics.
const (
	labelKind    = "kind"
	labelReason  = "reason"
	labelScope   = "scope"
	labelTrigger = "trigger"
	labelTopic   = "topic"
	labelMode    = "mode"
)

// Broadcast trigger label values.
const (
	TriggerDirty = "dirty"
	TriggerIdle  = "idle"
)

// RPC routing mode label values.
const (
	ModeBroadcast = "broadcast"
	ModeTargeted  = "targeted"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Hub Metrics
// -------------------------------------------------------------------------

// Collector holds all netsync Prometheus metrics.
//
// Metrics are designed for operating a shared hub under multiplayer load:
//   - Room and client gauges track current occupancy.
//   - Frame counters track ingress volume and malformed traffic per kind.
//   - Broadcast counters expose the dirty/idle scheduler behavior.
//   - Publisher drop counters flag overloaded subscribers.
type Collector struct {
	// Rooms tracks the number of rooms currently known to the registry.
	Rooms prometheus.Gauge

	// Clients tracks the number of connected clients per room.
	Clients *prometheus.GaugeVec

	// FramesReceived counts ingress frames per message kind, after the
	// handshake gate.
	FramesReceived *prometheus.CounterVec

	// MalformedFrames counts frames that failed decoding or validation,
	// per message kind ("unknown" when the kind byte itself is bad).
	MalformedFrames *prometheus.CounterVec

	// HandshakesAllowed counts connections that passed the Hello gate.
	HandshakesAllowed prometheus.Counter

	// HandshakesDenied counts connections rejected at the Hello gate,
	// labeled by denial reason.
	HandshakesDenied *prometheus.CounterVec

	// Broadcasts counts emitted RoomTransform frames, labeled by the
	// scheduler trigger (dirty or idle).
	Broadcasts *prometheus.CounterVec

	// SkippedBroadcasts counts scheduler passes over a room where neither
	// the dirty nor the idle condition fired.
	SkippedBroadcasts prometheus.Counter

	// RPCRouted counts relayed RPC frames by routing mode.
	RPCRouted *prometheus.CounterVec

	// ClientsEvicted counts clients removed by the lifecycle sweep.
	ClientsEvicted prometheus.Counter

	// RoomsDestroyed counts rooms destroyed after the empty-room expiry.
	RoomsDestroyed prometheus.Counter

	// DeviceIDsPurged counts device-ID liveness entries removed by the
	// periodic purge.
	DeviceIDsPurged prometheus.Counter

	// DiscoveryAllowed counts discovery probes answered with a reply.
	DiscoveryAllowed prometheus.Counter

	// DiscoveryDenied counts well-formed probes rejected by the
	// application-identity gate.
	DiscoveryDenied prometheus.Counter

	// DiscoveryAppIDMissing counts probes carrying an empty appId.
	DiscoveryAppIDMissing prometheus.Counter

	// NVSetsAccepted counts network-variable mutations that passed the
	// last-writer-wins decision, per scope.
	NVSetsAccepted *prometheus.CounterVec

	// NVSetsRejected counts network-variable mutations that were refused,
	// labeled by scope and reason (lww, limit, noop, name_table_full).
	NVSetsRejected *prometheus.CounterVec

	// NVRateWarnings counts trailing-window rate threshold crossings.
	// The threshold monitors only; traffic is never dropped for rate.
	NVRateWarnings prometheus.Counter

	// NVFlushes counts per-room delta flush batches.
	NVFlushes prometheus.Counter

	// NVResyncs counts snapshot responses triggered by a stale DeltaAck.
	NVResyncs prometheus.Counter

	// FramesPublished counts frames handed to subscribers per topic.
	FramesPublished *prometheus.CounterVec

	// FramesDropped counts frames evicted from a full publish queue
	// per topic.
	FramesDropped *prometheus.CounterVec

	// Subscribers tracks the number of attached subscribers per topic.
	Subscribers *prometheus.GaugeVec
}

// NewCollector creates a Collector with all netsync metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "netsync_" namespace prefix to avoid collisions
// with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Rooms,
		c.Clients,
		c.FramesReceived,
		c.MalformedFrames,
		c.HandshakesAllowed,
		c.HandshakesDenied,
		c.Broadcasts,
		c.SkippedBroadcasts,
		c.RPCRouted,
		c.ClientsEvicted,
		c.RoomsDestroyed,
		c.DeviceIDsPurged,
		c.DiscoveryAllowed,
		c.DiscoveryDenied,
		c.DiscoveryAppIDMissing,
		c.NVSetsAccepted,
		c.NVSetsRejected,
		c.NVRateWarnings,
		c.NVFlushes,
		c.NVResyncs,
		c.FramesPublished,
		c.FramesDropped,
		c.Subscribers,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "rooms",
			Help:      "Number of rooms currently known to the registry.",
		}),

		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "clients",
			Help:      "Number of connected clients per room.",
		}, []string{labelTopic}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "frames_received_total",
			Help:      "Total ingress frames accepted after the handshake gate.",
		}, []string{labelKind}),

		MalformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "malformed_frames_total",
			Help:      "Total frames that failed decoding or validation.",
		}, []string{labelKind}),

		HandshakesAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "handshakes_allowed_total",
			Help:      "Total connections that passed the Hello gate.",
		}),

		HandshakesDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "handshakes_denied_total",
			Help:      "Total connections rejected at the Hello gate.",
		}, []string{labelReason}),

		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "broadcasts_total",
			Help:      "Total RoomTransform frames emitted by the scheduler.",
		}, []string{labelTrigger}),

		SkippedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "skipped_broadcasts_total",
			Help:      "Total scheduler passes that emitted nothing for a room.",
		}),

		RPCRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "rpc_routed_total",
			Help:      "Total RPC frames relayed to room topics.",
		}, []string{labelMode}),

		ClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "clients_evicted_total",
			Help:      "Total clients removed by the lifecycle sweep.",
		}),

		RoomsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "rooms_destroyed_total",
			Help:      "Total rooms destroyed after the empty-room expiry.",
		}),

		DeviceIDsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHub,
			Name:      "device_ids_purged_total",
			Help:      "Total device-ID liveness entries purged.",
		}),

		DiscoveryAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "allowed_total",
			Help:      "Total discovery probes answered.",
		}),

		DiscoveryDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "denied_total",
			Help:      "Total discovery probes denied by the identity gate.",
		}),

		DiscoveryAppIDMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "appid_missing_total",
			Help:      "Total discovery probes with an empty appId.",
		}),

		NVSetsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNV,
			Name:      "sets_accepted_total",
			Help:      "Total network-variable mutations accepted.",
		}, []string{labelScope}),

		NVSetsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNV,
			Name:      "sets_rejected_total",
			Help:      "Total network-variable mutations refused.",
		}, []string{labelScope, labelReason}),

		NVRateWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNV,
			Name:      "rate_warnings_total",
			Help:      "Total per-device rate threshold crossings (monitor only).",
		}),

		NVFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNV,
			Name:      "flushes_total",
			Help:      "Total per-room delta flush batches published.",
		}),

		NVResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNV,
			Name:      "resyncs_total",
			Help:      "Total snapshot responses to stale delta acks.",
		}),

		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPub,
			Name:      "frames_published_total",
			Help:      "Total frames handed to subscribers per topic.",
		}, []string{labelTopic}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPub,
			Name:      "frames_dropped_total",
			Help:      "Total frames evicted from a full publish queue.",
		}, []string{labelTopic}),

		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPub,
			Name:      "subscribers",
			Help:      "Number of attached subscribers per topic.",
		}, []string{labelTopic}),
	}
}

// -------------------------------------------------------------------------
// Room Lifecycle
// -------------------------------------------------------------------------

// RegisterRoom increments the rooms gauge. Called when the registry
// creates a room record.
func (c *Collector) RegisterRoom() {
	c.Rooms.Inc()
}

// UnregisterRoom decrements the rooms gauge and drops all per-room series
// for the given topic. Called when the lifecycle manager destroys a room.
func (c *Collector) UnregisterRoom(room string) {
	c.Rooms.Dec()
	labels := prometheus.Labels{labelTopic: room}
	c.Clients.DeletePartialMatch(labels)
	c.FramesPublished.DeletePartialMatch(labels)
	c.FramesDropped.DeletePartialMatch(labels)
	c.Subscribers.DeletePartialMatch(labels)
}

// SetClients records the current membership size of a room.
func (c *Collector) SetClients(room string, n int) {
	c.Clients.WithLabelValues(room).Set(float64(n))
}

// -------------------------------------------------------------------------
// Ingress
// -------------------------------------------------------------------------

// IncFrameReceived increments the ingress counter for the given kind.
func (c *Collector) IncFrameReceived(kind string) {
	c.FramesReceived.WithLabelValues(kind).Inc()
}

// IncMalformedFrame increments the malformed-frame counter for the given
// kind. Use "unknown" when the kind byte itself did not decode.
func (c *Collector) IncMalformedFrame(kind string) {
	c.MalformedFrames.WithLabelValues(kind).Inc()
}

// IncHandshakeAllowed increments the accepted-handshake counter.
func (c *Collector) IncHandshakeAllowed() {
	c.HandshakesAllowed.Inc()
}

// IncHandshakeDenied increments the denied-handshake counter with the
// given reason label.
func (c *Collector) IncHandshakeDenied(reason string) {
	c.HandshakesDenied.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Broadcast Scheduler
// -------------------------------------------------------------------------

// RecordBroadcast increments the broadcast counter for the trigger that
// fired (TriggerDirty or TriggerIdle).
func (c *Collector) RecordBroadcast(trigger string) {
	c.Broadcasts.WithLabelValues(trigger).Inc()
}

// IncSkippedBroadcast increments the skipped-pass counter.
func (c *Collector) IncSkippedBroadcast() {
	c.SkippedBroadcasts.Inc()
}

// IncRPCRouted increments the relayed-RPC counter for the routing mode
// (ModeBroadcast or ModeTargeted).
func (c *Collector) IncRPCRouted(mode string) {
	c.RPCRouted.WithLabelValues(mode).Inc()
}

// -------------------------------------------------------------------------
// Network Variables
// -------------------------------------------------------------------------

// RecordNVAccepted increments the accepted-mutation counter for a scope.
func (c *Collector) RecordNVAccepted(scope string) {
	c.NVSetsAccepted.WithLabelValues(scope).Inc()
}

// RecordNVRejected increments the refused-mutation counter for a scope
// and reason.
func (c *Collector) RecordNVRejected(scope, reason string) {
	c.NVSetsRejected.WithLabelValues(scope, reason).Inc()
}

// -------------------------------------------------------------------------
// Publisher
// -------------------------------------------------------------------------

// IncPublished increments the published-frame counter for a topic.
func (c *Collector) IncPublished(topic string) {
	c.FramesPublished.WithLabelValues(topic).Inc()
}

// IncDropped increments the dropped-frame counter for a topic. Called by
// the publisher when queue pressure forces an eviction.
func (c *Collector) IncDropped(topic string) {
	c.FramesDropped.WithLabelValues(topic).Inc()
}

// RegisterSubscriber increments the subscriber gauge for a topic.
func (c *Collector) RegisterSubscriber(topic string) {
	c.Subscribers.WithLabelValues(topic).Inc()
}

// UnregisterSubscriber decrements the subscriber gauge for a topic.
func (c *Collector) UnregisterSubscriber(topic string) {
	c.Subscribers.WithLabelValues(topic).Dec()
}
