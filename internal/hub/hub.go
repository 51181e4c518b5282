// Package hub is the synchronization core: it tracks room membership and
// client-number identity, fans client poses back out as room transforms on
// an adaptive schedule, routes RPC frames, and feeds the network-variable
// engine. Transports deliver raw frames through HandleFrame and publish
// whatever the hub hands back through the Publisher.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/protocol"
)

// Publisher delivers an encoded frame to every subscriber of a topic.
// Implementations must not block; slow subscribers are their problem.
type Publisher interface {
	Publish(topic string, frame []byte)
}

// Config holds the hub tunables. Zero values are replaced by defaults.
type Config struct {
	// BaseBroadcastInterval paces the scheduler; the tick runs at half
	// this interval so the dirty threshold can fire between base ticks.
	BaseBroadcastInterval time.Duration

	// IdleBroadcastInterval is the emission period for rooms with no
	// pending pose changes.
	IdleBroadcastInterval time.Duration

	// DirtyThreshold is the minimum spacing between broadcasts of a room
	// with pending changes.
	DirtyThreshold time.Duration

	// ClientTimeout evicts members that stopped sending frames.
	ClientTimeout time.Duration

	// DeviceIDExpiry and DeviceCleanupInterval govern the device-identity
	// purge that releases client numbers for reuse.
	DeviceIDExpiry        time.Duration
	DeviceCleanupInterval time.Duration

	// EmptyRoomExpiry destroys rooms that stayed empty this long.
	EmptyRoomExpiry time.Duration

	// SweepInterval paces the client-eviction and room-expiry sweeps.
	SweepInterval time.Duration

	// StatsInterval paces the periodic throughput log line.
	StatsInterval time.Duration

	// MaxVirtualTransforms caps the auxiliary transforms kept per pose.
	MaxVirtualTransforms int
}

func (c Config) withDefaults() Config {
	if c.BaseBroadcastInterval <= 0 {
		c.BaseBroadcastInterval = 100 * time.Millisecond
	}
	if c.IdleBroadcastInterval <= 0 {
		c.IdleBroadcastInterval = 500 * time.Millisecond
	}
	if c.DirtyThreshold <= 0 {
		c.DirtyThreshold = 50 * time.Millisecond
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = time.Second
	}
	if c.DeviceIDExpiry <= 0 {
		c.DeviceIDExpiry = 5 * time.Minute
	}
	if c.DeviceCleanupInterval <= 0 {
		c.DeviceCleanupInterval = time.Minute
	}
	if c.EmptyRoomExpiry <= 0 {
		c.EmptyRoomExpiry = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Minute
	}
	if c.MaxVirtualTransforms <= 0 || c.MaxVirtualTransforms > protocol.MaxVirtualTransforms {
		c.MaxVirtualTransforms = protocol.MaxVirtualTransforms
	}
	return c
}

// Hub wires the registry, the variable engine, and the publisher together
// and owns the scheduler and lifecycle loops.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *netmetrics.Collector
	engine  *netvar.Engine
	pub     Publisher
	gate    *AppIDGate

	registry *registry

	connMu sync.Mutex
	conns  map[uint64]*connState

	// frames counts ingress frames between stats ticks.
	frames atomic.Uint64
}

// New creates a hub. The engine may be nil only in tests that never touch
// variable frames.
func New(logger *slog.Logger, collector *netmetrics.Collector, engine *netvar.Engine, pub Publisher, gate *AppIDGate, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		engine:   engine,
		pub:      pub,
		gate:     gate,
		registry: newRegistry(cfg),
		conns:    make(map[uint64]*connState),
	}
}

// -------------------------------------------------------------------------
// Scheduler
// -------------------------------------------------------------------------

// RunScheduler drives the adaptive broadcast loop until ctx is cancelled.
// Each tick assembles a RoomTransform for every room whose emission
// condition fired and publishes it on the room topic.
func (h *Hub) RunScheduler(ctx context.Context) error {
	tick := h.cfg.BaseBroadcastInterval / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	h.logger.Info("broadcast scheduler started",
		slog.Duration("tick", tick),
		slog.Duration("dirty_threshold", h.cfg.DirtyThreshold),
		slog.Duration("idle_interval", h.cfg.IdleBroadcastInterval))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("broadcast scheduler stopped")
			return nil
		case now := <-ticker.C:
			h.BroadcastTick(now)
		}
	}
}

// BroadcastTick runs one scheduler pass: every room whose emission
// condition fired at now gets its RoomTransform published.
func (h *Hub) BroadcastTick(now time.Time) {
	frames, skipped := h.registry.broadcastPass(now, netmetrics.TriggerDirty, netmetrics.TriggerIdle)
	for _, rf := range frames {
		h.pub.Publish(rf.Room, rf.Frame)
		h.metrics.RecordBroadcast(rf.Trigger)
	}
	if skipped > 0 {
		h.metrics.SkippedBroadcasts.Add(float64(skipped))
	}
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// RunLifecycle drives the client-eviction, room-expiry, and device-purge
// sweeps until ctx is cancelled.
func (h *Hub) RunLifecycle(ctx context.Context) error {
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(h.cfg.DeviceCleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			h.Sweep(now)
		case now := <-cleanup.C:
			h.PurgeDevices(now)
		}
	}
}

// Sweep evicts clients silent past the timeout, then destroys rooms whose
// empty-since mark passed the expiry. Eviction keeps the number mapping so
// a device that reconnects gets its old client number back.
func (h *Hub) Sweep(now time.Time) {
	evicted := h.registry.sweepClients(now)
	touched := make(map[string]bool)
	for _, ev := range evicted {
		h.metrics.ClientsEvicted.Inc()
		h.logger.Info("client evicted",
			slog.String("room", ev.Room),
			slog.String("device_id", ev.DeviceID),
			slog.Int("client_no", int(ev.ClientNo)),
			slog.Bool("stealth", ev.Stealth))
		touched[ev.Room] = true
	}
	for room := range touched {
		h.publishMapping(room)
		h.metrics.SetClients(room, h.registry.clientCount(room))
	}

	for _, room := range h.registry.sweepRooms(now) {
		h.engine.DropRoom(room)
		h.metrics.UnregisterRoom(room)
		h.metrics.RoomsDestroyed.Inc()
		h.logger.Info("room destroyed", slog.String("room", room))
	}
}

// PurgeDevices expires stale device identities, releasing their client
// numbers and discarding their variable state.
func (h *Hub) PurgeDevices(now time.Time) {
	for _, p := range h.registry.purgeDevices(now) {
		for _, m := range p.Mappings {
			h.engine.PurgeClient(m.Room, m.ClientNo)
		}
		h.engine.ForgetDevice(p.DeviceID)
		h.metrics.DeviceIDsPurged.Inc()
		h.logger.Info("device id purged",
			slog.String("device_id", p.DeviceID),
			slog.Int("mappings", len(p.Mappings)))
	}
}

// -------------------------------------------------------------------------
// Stats
// -------------------------------------------------------------------------

// RunStats logs a periodic throughput line until ctx is cancelled.
func (h *Hub) RunStats(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.StatsInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n := h.frames.Swap(0)
			elapsed := now.Sub(last).Seconds()
			last = now
			rooms, clients := h.registry.counts()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(n) / elapsed
			}
			h.logger.Info("hub stats",
				slog.Int("rooms", rooms),
				slog.Int("clients", clients),
				slog.Uint64("frames", n),
				slog.Float64("frames_per_sec", rate))
		}
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// publishMapping broadcasts the room's current device-ID mapping.
func (h *Hub) publishMapping(room string) {
	m, ok := h.registry.mapping(room)
	if !ok {
		return
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		h.logger.Error("encode device mapping", slog.String("room", room), slog.Any("error", err))
		return
	}
	h.pub.Publish(room, frame)
}

// Rooms lists the registry's rooms for the management surface.
func (h *Hub) Rooms() []RoomSnapshot {
	return h.registry.snapshotRooms()
}

// Room returns the detailed view of one room.
func (h *Hub) Room(id string) (RoomDetail, bool) {
	return h.registry.snapshotRoom(id)
}

// ClientNoOf resolves a device ID to its client number in a room.
func (h *Hub) ClientNoOf(room, deviceID string) (uint16, bool) {
	return h.registry.clientNoOf(room, deviceID)
}

// DeviceIDOf resolves a client number to its device ID in a room.
func (h *Hub) DeviceIDOf(room string, clientNo uint16) (string, bool) {
	return h.registry.deviceIDOf(room, clientNo)
}
