package netvar

import (
	"context"
	"log/slog"
	"sync"
	"time"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/protocol"
)

// Engine owns the variable state of every room and the replication
// machinery around it. One mutex guards all rooms; mutations are short and
// CPU-bound, and frames are always published after the lock is released.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *netmetrics.Collector
	pub     Publisher

	mu      sync.Mutex
	rooms   map[string]*roomState
	monitor rateMonitor
}

// New creates an Engine publishing through pub. Zero Config fields fall
// back to the stock defaults.
func New(logger *slog.Logger, collector *netmetrics.Collector, pub Publisher, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "netvar")),
		metrics: collector,
		pub:     pub,
		rooms:   make(map[string]*roomState),
		monitor: newRateMonitor(cfg.MonitorThreshold),
	}
}

// Run flushes pending deltas on the configured cadence until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("variable flush loop started",
		slog.Duration("interval", e.cfg.FlushInterval))

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("variable flush loop stopped")
			return nil
		case <-ticker.C:
			e.FlushOnce()
		}
	}
}

// -------------------------------------------------------------------------
// Mutations
// -------------------------------------------------------------------------

// SetGlobal applies a global-scope write. deviceID feeds the rate monitor
// and may be empty for server-origin writes.
func (e *Engine) SetGlobal(room, deviceID string, sender uint16, name, value string, ts float64) Result {
	return e.applySet(room, deviceID, sender, protocol.ScopeGlobal, 0, name, value, ts)
}

// SetClient applies a client-scope write against the target client number.
func (e *Engine) SetClient(room, deviceID string, sender, target uint16, name, value string, ts float64) Result {
	return e.applySet(room, deviceID, sender, protocol.ScopeClient, target, name, value, ts)
}

// DeleteGlobal removes a global variable. Deleting an unknown name is a
// no-op and emits no record.
func (e *Engine) DeleteGlobal(room string, sender uint16, name string, ts float64) Result {
	return e.applyDelete(room, sender, protocol.ScopeGlobal, 0, name, ts)
}

// DeleteClient removes a client-scope variable.
func (e *Engine) DeleteClient(room string, sender, target uint16, name string, ts float64) Result {
	return e.applyDelete(room, sender, protocol.ScopeClient, target, name, ts)
}

func (e *Engine) applySet(room, deviceID string, sender uint16, scope string, target uint16, name, value string, ts float64) Result {
	if len(name) > e.cfg.MaxNameLength || len(value) > e.cfg.MaxValueLength {
		e.logger.Debug("truncating oversized variable",
			slog.String("room", room),
			slog.Int("name_len", len(name)),
			slog.Int("value_len", len(value)))
		name = truncate(name, e.cfg.MaxNameLength)
		value = truncate(value, e.cfg.MaxValueLength)
	}

	e.mu.Lock()
	rateWarn := deviceID != "" && e.monitor.observe(deviceID, time.Now())

	st := e.roomLocked(room)
	vars, limit := st.globals, e.cfg.MaxGlobalVars
	if scope == protocol.ScopeClient {
		m := st.clients[target]
		if m == nil {
			m = make(map[uint16]varEntry)
			st.clients[target] = m
		}
		vars, limit = m, e.cfg.MaxClientVars
	}

	res := applyEntry(st, vars, limit, scope, target, sender, name, value, ts)
	e.mu.Unlock()

	if rateWarn {
		e.metrics.NVRateWarnings.Inc()
		e.logger.Warn("device exceeds variable rate threshold",
			slog.String("device_id", deviceID),
			slog.Int("threshold", e.cfg.MonitorThreshold))
	}
	e.recordOutcome(room, scope, name, res)
	return res
}

// applyEntry runs the accept pipeline against one variable map: budget
// check for new keys, no-op dedupe, last-writer-wins, then the write and
// its delta record. Caller holds the engine mutex.
func applyEntry(st *roomState, vars map[uint16]varEntry, limit int, scope string, target, sender uint16, name, value string, ts float64) Result {
	id, known := st.names.lookup(name)
	var entry varEntry
	live := false
	if known {
		entry, live = vars[id]
	}

	if !live && len(vars) >= limit {
		return RejectedLimit
	}
	if live && entry.value == value {
		return NoOp
	}
	if live && !lwwAccepts(ts, sender, entry.timestamp, entry.lastWriter) {
		if ts < entry.timestamp {
			return RejectedOlder
		}
		return RejectedTie
	}

	if !known {
		var ok bool
		id, ok = st.names.intern(name)
		if !ok {
			return RejectedNameTable
		}
	}

	vars[id] = varEntry{value: value, timestamp: ts, lastWriter: sender}
	st.append(scope, protocol.OpSet, id, target, value)
	return Applied
}

func (e *Engine) applyDelete(room string, sender uint16, scope string, target uint16, name string, ts float64) Result {
	name = truncate(name, e.cfg.MaxNameLength)

	e.mu.Lock()
	res := func() Result {
		st, ok := e.rooms[room]
		if !ok {
			return NoOp
		}
		id, known := st.names.lookup(name)
		if !known {
			return NoOp
		}

		vars := st.globals
		if scope == protocol.ScopeClient {
			vars = st.clients[target]
		}
		entry, live := vars[id]
		if !live {
			return NoOp
		}
		if !lwwAccepts(ts, sender, entry.timestamp, entry.lastWriter) {
			if ts < entry.timestamp {
				return RejectedOlder
			}
			return RejectedTie
		}

		delete(vars, id)
		st.append(scope, protocol.OpDel, id, target, "")
		return Applied
	}()
	e.mu.Unlock()

	e.recordOutcome(room, scope, name, res)
	return res
}

// recordOutcome updates counters and logs for a mutation result. Conflict
// losses and no-ops stay silent; budget exhaustion warns.
func (e *Engine) recordOutcome(room, scope, name string, res Result) {
	switch res {
	case Applied:
		e.metrics.RecordNVAccepted(scope)
	case NoOp:
		e.metrics.RecordNVRejected(scope, reasonNoop)
	case RejectedOlder, RejectedTie:
		e.metrics.RecordNVRejected(scope, reasonLWW)
	case RejectedLimit:
		e.metrics.RecordNVRejected(scope, reasonLimit)
		e.logger.Warn("variable budget reached",
			slog.String("room", room),
			slog.String("scope", scope),
			slog.String("name", name))
	case RejectedNameTable:
		e.metrics.RecordNVRejected(scope, reasonNameTable)
		e.logger.Warn("name table exhausted",
			slog.String("room", room),
			slog.String("name", name))
	}
}

// -------------------------------------------------------------------------
// Flush & Repair
// -------------------------------------------------------------------------

// FlushOnce publishes pending deltas for every room that has any, and
// returns the number of rooms flushed. Each flushed room receives, in
// order: new name-table entries (if any), the coalesced delta batch, and
// the full-state sync frames for whichever scopes changed.
func (e *Engine) FlushOnce() int {
	type flushBatch struct {
		room   string
		frames [][]byte
	}
	var batches []flushBatch

	e.mu.Lock()
	for room, st := range e.rooms {
		if len(st.pendingOrder) == 0 {
			continue
		}
		batches = append(batches, flushBatch{room: room, frames: e.buildFlushLocked(room, st)})
	}
	e.mu.Unlock()

	for _, b := range batches {
		for _, frame := range b.frames {
			e.pub.Publish(b.room, frame)
		}
		e.metrics.NVFlushes.Inc()
	}
	return len(batches)
}

func (e *Engine) buildFlushLocked(room string, st *roomState) [][]byte {
	frames := make([][]byte, 0, 4)

	if nd := st.names.deltaSinceFlush(); nd != nil {
		frames = e.appendFrame(frames, room, nd)
	}

	baseSeq, items := st.drainPending()
	frames = e.appendFrame(frames, room, &protocol.Delta{BaseSeq: baseSeq, Items: items})

	if st.globalsChanged {
		frames = e.appendFrame(frames, room, st.legacyGlobalSync())
		st.globalsChanged = false
	}
	if st.clientsChanged {
		frames = e.appendFrame(frames, room, st.legacyClientSync())
		st.clientsChanged = false
	}

	st.names.markFlushed()
	return frames
}

// HandleAck repairs a client that reports lastSeq as its newest applied
// sequence. A client behind the delta log gets the full name table and a
// snapshot; a client with a repairable gap gets the missing records.
func (e *Engine) HandleAck(room string, lastSeq uint64) {
	var frames [][]byte
	resync := false

	e.mu.Lock()
	if st, ok := e.rooms[room]; ok {
		switch {
		case st.requiresResync(lastSeq):
			resync = true
			if len(st.names.entries) > 0 {
				frames = e.appendFrame(frames, room, st.names.full())
			}
			frames = e.appendFrame(frames, room, st.snapshot())

		default:
			recs := st.ring.since(lastSeq)
			if len(recs) > 0 {
				if len(st.names.entries) > 0 {
					frames = e.appendFrame(frames, room, st.names.full())
				}
				items := make([]protocol.DeltaItem, 0, len(recs))
				for _, rec := range recs {
					items = append(items, deltaItem(rec))
				}
				frames = e.appendFrame(frames, room, &protocol.Delta{BaseSeq: lastSeq, Items: items})
			}
		}
	}
	e.mu.Unlock()

	for _, frame := range frames {
		e.pub.Publish(room, frame)
	}
	if resync {
		e.metrics.NVResyncs.Inc()
		e.logger.Debug("resync snapshot published",
			slog.String("room", room),
			slog.Uint64("last_seq", lastSeq))
	}
}

func (e *Engine) appendFrame(frames [][]byte, room string, msg protocol.Message) [][]byte {
	frame, err := protocol.Encode(msg)
	if err != nil {
		e.logger.Error("encode variable frame",
			slog.String("room", room),
			slog.String("kind", msg.Kind().String()),
			slog.String("error", err.Error()))
		return frames
	}
	return append(frames, frame)
}

// -------------------------------------------------------------------------
// Lifecycle & Introspection
// -------------------------------------------------------------------------

// DropRoom discards all variable state of a destroyed room.
func (e *Engine) DropRoom(room string) {
	e.mu.Lock()
	_, existed := e.rooms[room]
	delete(e.rooms, room)
	e.mu.Unlock()

	if existed {
		e.logger.Debug("variable state dropped", slog.String("room", room))
	}
}

// PurgeClient deletes every variable owned by a reclaimed client number,
// emitting delete records so replicas converge before the number is
// reissued. Returns the number of variables removed.
func (e *Engine) PurgeClient(room string, clientNo uint16) int {
	e.mu.Lock()
	st, ok := e.rooms[room]
	if !ok {
		e.mu.Unlock()
		return 0
	}
	vars := st.clients[clientNo]
	if len(vars) == 0 {
		delete(st.clients, clientNo)
		e.mu.Unlock()
		return 0
	}

	n := len(vars)
	for _, id := range sortedKeys(vars) {
		st.append(protocol.ScopeClient, protocol.OpDel, id, clientNo, "")
	}
	delete(st.clients, clientNo)
	e.mu.Unlock()

	e.logger.Debug("client variables purged",
		slog.String("room", room),
		slog.Int("client_no", int(clientNo)),
		slog.Int("vars", n))
	return n
}

// ForgetDevice drops the device's rate-monitor state.
func (e *Engine) ForgetDevice(deviceID string) {
	e.mu.Lock()
	e.monitor.forget(deviceID)
	e.mu.Unlock()
}

// Snapshot returns the full current state of a room for resync or
// inspection. The second return is false for rooms with no variable state.
func (e *Engine) Snapshot(room string) (*protocol.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rooms[room]
	if !ok {
		return nil, false
	}
	return st.snapshot(), true
}

// GlobalVars lists a room's global variables in name-ID order.
func (e *Engine) GlobalVars(room string) []protocol.VarState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rooms[room]
	if !ok {
		return nil
	}
	return st.legacyGlobalSync().Vars
}

// ClientVars lists a room's client variables grouped by client number.
func (e *Engine) ClientVars(room string) []protocol.ClientVarState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rooms[room]
	if !ok {
		return nil
	}
	return st.legacyClientSync().Clients
}

// Digest returns the room's current name-table digest.
func (e *Engine) Digest(room string) (protocol.NameTableDigest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rooms[room]
	if !ok {
		return protocol.NameTableDigest{}, false
	}
	return st.names.digest(), true
}

// Seq returns the room's newest assigned sequence number.
func (e *Engine) Seq(room string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.rooms[room]; ok {
		return st.seq
	}
	return 0
}

func (e *Engine) roomLocked(room string) *roomState {
	st, ok := e.rooms[room]
	if !ok {
		st = newRoomState(e.cfg.RingSize)
		e.rooms[room] = st
	}
	return st
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
