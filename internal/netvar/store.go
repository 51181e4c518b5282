package netvar

import (
	"slices"

	"github.com/styly-dev/netsync/internal/protocol"
)

// varEntry is the stored state of one variable.
type varEntry struct {
	value      string
	timestamp  float64
	lastWriter uint16
}

// pendingKey identifies a variable for flush-window coalescing.
type pendingKey struct {
	scope    string
	nameID   uint16
	clientNo uint16
}

// roomState is the per-room variable store. All access is guarded by the
// engine mutex.
type roomState struct {
	names   nameTable
	globals map[uint16]varEntry
	clients map[uint16]map[uint16]varEntry

	seq        uint64
	flushedSeq uint64
	ring       deltaRing

	// pendingOrder keeps first-arrival order of dedupe keys so a burst
	// from one device cannot starve another's update out of a batch;
	// pendingRecs holds the latest record per key.
	pendingOrder []pendingKey
	pendingRecs  map[pendingKey]record

	globalsChanged bool
	clientsChanged bool
}

func newRoomState(ringSize int) *roomState {
	return &roomState{
		names:       newNameTable(),
		globals:     make(map[uint16]varEntry),
		clients:     make(map[uint16]map[uint16]varEntry),
		ring:        newDeltaRing(ringSize),
		pendingRecs: make(map[pendingKey]record),
	}
}

// append records an accepted mutation: next sequence number, delta log,
// pending queue, legacy dirty flag.
func (s *roomState) append(scope, op string, nameID, clientNo uint16, value string) record {
	s.seq++
	rec := record{
		seq:      s.seq,
		scope:    scope,
		op:       op,
		nameID:   nameID,
		clientNo: clientNo,
		value:    value,
	}
	s.ring.push(rec)

	key := pendingKey{scope: scope, nameID: nameID, clientNo: clientNo}
	if _, queued := s.pendingRecs[key]; !queued {
		s.pendingOrder = append(s.pendingOrder, key)
	}
	s.pendingRecs[key] = rec

	if scope == protocol.ScopeGlobal {
		s.globalsChanged = true
	} else {
		s.clientsChanged = true
	}
	return rec
}

// drainPending empties the pending queue into delta items in first-arrival
// key order and advances the flushed-sequence watermark.
func (s *roomState) drainPending() (baseSeq uint64, items []protocol.DeltaItem) {
	baseSeq = s.flushedSeq
	items = make([]protocol.DeltaItem, 0, len(s.pendingOrder))
	for _, key := range s.pendingOrder {
		items = append(items, deltaItem(s.pendingRecs[key]))
	}

	s.pendingOrder = s.pendingOrder[:0]
	clear(s.pendingRecs)
	s.flushedSeq = s.seq
	return baseSeq, items
}

// requiresResync reports whether lastSeq has fallen behind the delta log,
// meaning gap repair is impossible and a snapshot is needed.
func (s *roomState) requiresResync(lastSeq uint64) bool {
	floor := s.seq - uint64(s.ring.size()) + 1
	return lastSeq+1 < floor
}

// snapshot captures the full current state for resync.
func (s *roomState) snapshot() *protocol.Snapshot {
	snap := &protocol.Snapshot{
		NVSeq:   s.seq,
		Globals: valueMap(s.globals),
		Clients: make(map[uint16]map[uint16]string, len(s.clients)),
		Digest:  s.names.digest(),
	}
	for clientNo, vars := range s.clients {
		if len(vars) == 0 {
			continue
		}
		snap.Clients[clientNo] = valueMap(vars)
	}
	return snap
}

// legacyGlobalSync builds the full-state global sync frame, variables in
// name-ID order.
func (s *roomState) legacyGlobalSync() *protocol.GlobalVarSync {
	sync := &protocol.GlobalVarSync{Vars: make([]protocol.VarState, 0, len(s.globals))}
	for _, id := range sortedKeys(s.globals) {
		entry := s.globals[id]
		sync.Vars = append(sync.Vars, protocol.VarState{
			Name:       s.names.nameOf(id),
			Value:      entry.value,
			Timestamp:  entry.timestamp,
			LastWriter: entry.lastWriter,
		})
	}
	return sync
}

// legacyClientSync builds the full-state per-client sync frame, clients in
// number order and variables in name-ID order.
func (s *roomState) legacyClientSync() *protocol.ClientVarSync {
	sync := &protocol.ClientVarSync{Clients: make([]protocol.ClientVarState, 0, len(s.clients))}
	for _, clientNo := range sortedKeys(s.clients) {
		vars := s.clients[clientNo]
		if len(vars) == 0 {
			continue
		}
		state := protocol.ClientVarState{
			ClientNo: clientNo,
			Vars:     make([]protocol.VarState, 0, len(vars)),
		}
		for _, id := range sortedKeys(vars) {
			entry := vars[id]
			state.Vars = append(state.Vars, protocol.VarState{
				Name:       s.names.nameOf(id),
				Value:      entry.value,
				Timestamp:  entry.timestamp,
				LastWriter: entry.lastWriter,
			})
		}
		sync.Clients = append(sync.Clients, state)
	}
	return sync
}

func deltaItem(rec record) protocol.DeltaItem {
	item := protocol.DeltaItem{
		Seq:    rec.seq,
		Scope:  rec.scope,
		Op:     rec.op,
		NameID: rec.nameID,
	}
	if rec.scope == protocol.ScopeClient {
		item.ClientNo = rec.clientNo
	}
	if rec.op == protocol.OpSet {
		item.Value = rec.value
	}
	return item
}

func valueMap(entries map[uint16]varEntry) map[uint16]string {
	out := make(map[uint16]string, len(entries))
	for id, entry := range entries {
		out[id] = entry.value
	}
	return out
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys
}
