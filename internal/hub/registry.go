package hub

import (
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/styly-dev/netsync/internal/protocol"
)

// ErrRoomExhausted indicates a room has no assignable client number left:
// the counter passed 65535 and no existing mapping was reclaimable.
var ErrRoomExhausted = errors.New("room client numbers exhausted")

// -------------------------------------------------------------------------
// Records
// -------------------------------------------------------------------------

// clientRecord is one active device in a room. Records are created on the
// first accepted pose and removed by the client-timeout sweep; the number
// mapping outlives the record so a device that drops and rejoins keeps its
// client number.
type clientRecord struct {
	deviceID   string
	clientNo   uint16
	stealth    bool
	lastUpdate time.Time

	// poseBlock is the pre-encoded RoomTransform entry for this client,
	// rebuilt on every accepted pose. The broadcast scheduler assembles
	// room frames by concatenating these blocks.
	poseBlock []byte
}

// room is the per-room registry state. All fields are guarded by the
// registry mutex.
type room struct {
	// records holds active members by device ID; order preserves their
	// join order, which drives the broadcast layout.
	records map[string]*clientRecord
	order   []string

	// numberOf and deviceOf are mutual inverses at all times.
	numberOf map[string]uint16
	deviceOf map[uint16]string

	// nextNo is the next fresh client number; numbers start at 1 and the
	// counter is never rewound. freeNos holds numbers released by the
	// device-ID purge for reuse once the counter is spent.
	nextNo  uint32
	freeNos []uint16

	dirty         bool
	lastBroadcast time.Time

	// emptySince is zero while the room has active members.
	emptySince time.Time
}

func newRoom() *room {
	return &room{
		records:  make(map[string]*clientRecord),
		numberOf: make(map[string]uint16),
		deviceOf: make(map[uint16]string),
		nextNo:   1,
	}
}

// dropRecord removes the active record for dev, if any, and reports
// whether one existed. The number mapping is left in place.
func (rm *room) dropRecord(dev string) bool {
	if _, ok := rm.records[dev]; !ok {
		return false
	}
	delete(rm.records, dev)
	if i := slices.Index(rm.order, dev); i >= 0 {
		rm.order = slices.Delete(rm.order, i, i+1)
	}
	return true
}

// allocate hands out a client number: the counter while it lasts, then
// numbers freed by the device purge, then a mapping stolen from an expired
// device. Returns the device whose mapping was reclaimed, if any.
func (rm *room) allocate(devices map[string]time.Time, now time.Time, expiry time.Duration) (uint16, string, error) {
	if rm.nextNo <= math.MaxUint16 {
		no := uint16(rm.nextNo)
		rm.nextNo++
		return no, "", nil
	}

	if n := len(rm.freeNos); n > 0 {
		no := rm.freeNos[n-1]
		rm.freeNos = rm.freeNos[:n-1]
		return no, "", nil
	}

	for dev, no := range rm.numberOf {
		if seen, ok := devices[dev]; ok && now.Sub(seen) <= expiry {
			continue
		}
		delete(rm.numberOf, dev)
		delete(rm.deviceOf, no)
		rm.dropRecord(dev)
		return no, dev, nil
	}

	return 0, "", ErrRoomExhausted
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// registry is the identity and room state store. One mutex guards the room
// set, every room, and the device liveness map. Mutations are short and
// CPU-bound; broadcast payloads are assembled inside the lock and published
// outside it.
type registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	devices map[string]time.Time

	cfg Config
}

func newRegistry(cfg Config) *registry {
	return &registry{
		rooms:   make(map[string]*room),
		devices: make(map[string]time.Time),
		cfg:     cfg,
	}
}

// Assignment reports how a device's client number was resolved.
type Assignment struct {
	ClientNo uint16

	// Created is true when the device had no number in the room before.
	Created bool

	// RoomCreated is true when this was the room's first membership event.
	RoomCreated bool

	// ReclaimedFrom names the expired device whose mapping was stolen, if
	// the allocation went through the reclaim path. The caller must purge
	// that client number's variable state before reuse.
	ReclaimedFrom string
}

// assignLocked resolves or allocates the client number for (roomID,
// deviceID) and refreshes the device's liveness. Caller holds the mutex.
func (r *registry) assignLocked(roomID, deviceID string, now time.Time) (Assignment, error) {
	rm, ok := r.rooms[roomID]
	roomCreated := !ok
	if !ok {
		rm = newRoom()
		r.rooms[roomID] = rm
	}

	r.devices[deviceID] = now

	if no, known := rm.numberOf[deviceID]; known {
		return Assignment{ClientNo: no, RoomCreated: roomCreated}, nil
	}

	no, reclaimed, err := rm.allocate(r.devices, now, r.cfg.DeviceIDExpiry)
	if err != nil {
		if roomCreated {
			delete(r.rooms, roomID)
		}
		return Assignment{}, err
	}

	rm.numberOf[deviceID] = no
	rm.deviceOf[no] = deviceID
	return Assignment{
		ClientNo:      no,
		Created:       true,
		RoomCreated:   roomCreated,
		ReclaimedFrom: reclaimed,
	}, nil
}

// heartbeat resolves the device's client number on non-pose activity (RPC,
// variable writes) and refreshes the active record's liveness if one exists.
func (r *registry) heartbeat(roomID, deviceID string, now time.Time) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asn, err := r.assignLocked(roomID, deviceID, now)
	if err != nil {
		return Assignment{}, err
	}
	if rec, ok := r.rooms[roomID].records[deviceID]; ok {
		rec.lastUpdate = now
	}
	return asn, nil
}

// PoseUpdate reports the registry effects of one accepted pose frame.
type PoseUpdate struct {
	Assignment

	// Joined is true when a new active record was created.
	Joined bool

	Stealth bool

	// MappingChanged is true when the visible membership changed: a
	// non-stealth client joined, or an existing client switched between
	// stealth and visible.
	MappingChanged bool
}

// updatePose applies one ClientTransform: resolves the client number,
// creates or refreshes the active record, re-encodes the cached pose block,
// and marks the room dirty.
func (r *registry) updatePose(roomID, deviceID string, pose *protocol.PoseSet, now time.Time) (PoseUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asn, err := r.assignLocked(roomID, deviceID, now)
	if err != nil {
		return PoseUpdate{}, err
	}

	rm := r.rooms[roomID]
	stealth := pose.Stealth()

	rec, existed := rm.records[deviceID]
	if !existed {
		rec = &clientRecord{deviceID: deviceID, clientNo: asn.ClientNo, stealth: stealth}
		rm.records[deviceID] = rec
		rm.order = append(rm.order, deviceID)
		rm.emptySince = time.Time{}
	}
	wasStealth := rec.stealth

	rec.lastUpdate = now
	rec.stealth = stealth
	if stealth {
		rec.poseBlock = nil
	} else {
		if len(pose.Virtuals) > r.cfg.MaxVirtualTransforms {
			pose.Virtuals = pose.Virtuals[:r.cfg.MaxVirtualTransforms]
		}
		rec.poseBlock = protocol.AppendPoseBlock(rec.poseBlock[:0], asn.ClientNo, pose)
	}
	rm.dirty = true

	mappingChanged := (!existed && !stealth) || (existed && wasStealth != stealth)
	return PoseUpdate{
		Assignment:     asn,
		Joined:         !existed,
		Stealth:        stealth,
		MappingChanged: mappingChanged,
	}, nil
}

// clientNoOf returns the number mapped to deviceID in the room.
func (r *registry) clientNoOf(roomID, deviceID string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	no, ok := rm.numberOf[deviceID]
	return no, ok
}

// deviceIDOf returns the device mapped to clientNo in the room.
func (r *registry) deviceIDOf(roomID string, clientNo uint16) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	dev, ok := rm.deviceOf[clientNo]
	return dev, ok
}

// mapping builds the DeviceIdMapping broadcast for the room: active
// non-stealth members in join order. The second return is false when the
// room does not exist.
func (r *registry) mapping(roomID string) (*protocol.DeviceIDMapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}

	m := &protocol.DeviceIDMapping{
		Major: protocol.VersionMajor,
		Minor: protocol.VersionMinor,
		Patch: protocol.VersionPatch,
	}
	for _, dev := range rm.order {
		rec := rm.records[dev]
		if rec.stealth {
			continue
		}
		m.Entries = append(m.Entries, protocol.MappingEntry{
			ClientNo: rec.clientNo,
			DeviceID: dev,
		})
	}
	return m, true
}

// -------------------------------------------------------------------------
// Broadcast Pass
// -------------------------------------------------------------------------

// RoomFrame is one assembled RoomTransform ready for publication.
type RoomFrame struct {
	Room    string
	Frame   []byte
	Trigger string
}

// broadcastPass walks every room and assembles a RoomTransform for each one
// whose emission condition fired: a dirty room emits after dirty_threshold,
// a clean room after idle_broadcast_interval. Rooms with no visible members
// are never broadcast. Returns the assembled frames and the number of
// occupied rooms whose condition did not fire.
func (r *registry) broadcastPass(now time.Time, dirtyLabel, idleLabel string) ([]RoomFrame, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var frames []RoomFrame
	skipped := 0

	for id, rm := range r.rooms {
		blocks := make([][]byte, 0, len(rm.order))
		for _, dev := range rm.order {
			rec := rm.records[dev]
			if rec.stealth {
				continue
			}
			blocks = append(blocks, rec.poseBlock)
		}
		if len(blocks) == 0 {
			continue
		}

		delta := now.Sub(rm.lastBroadcast)
		trigger := idleLabel
		if rm.dirty {
			trigger = dirtyLabel
			if delta < r.cfg.DirtyThreshold {
				skipped++
				continue
			}
		} else if delta < r.cfg.IdleBroadcastInterval {
			skipped++
			continue
		}

		frame, err := protocol.BuildRoomTransform(id, blocks)
		if err != nil {
			continue
		}
		rm.dirty = false
		rm.lastBroadcast = now
		frames = append(frames, RoomFrame{Room: id, Frame: frame, Trigger: trigger})
	}
	return frames, skipped
}

// -------------------------------------------------------------------------
// Lifecycle Sweeps
// -------------------------------------------------------------------------

// Eviction is one client record removed by the client-timeout sweep.
type Eviction struct {
	Room     string
	DeviceID string
	ClientNo uint16
	Stealth  bool
}

// sweepClients removes records that have been silent past client_timeout
// and restamps each room's empty-since mark.
func (r *registry) sweepClients(now time.Time) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Eviction
	for id, rm := range r.rooms {
		for dev, rec := range rm.records {
			if now.Sub(rec.lastUpdate) <= r.cfg.ClientTimeout {
				continue
			}
			rm.dropRecord(dev)
			rm.dirty = true
			evicted = append(evicted, Eviction{
				Room:     id,
				DeviceID: dev,
				ClientNo: rec.clientNo,
				Stealth:  rec.stealth,
			})
		}

		if len(rm.records) == 0 {
			if rm.emptySince.IsZero() {
				rm.emptySince = now
			}
		} else {
			rm.emptySince = time.Time{}
		}
	}
	return evicted
}

// sweepRooms destroys rooms that have been empty past empty_room_expiry and
// returns their IDs. All room state, including the number mappings, is
// discarded; the caller drops the matching variable state.
func (r *registry) sweepRooms(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var destroyed []string
	for id, rm := range r.rooms {
		if len(rm.records) > 0 || rm.emptySince.IsZero() {
			continue
		}
		if now.Sub(rm.emptySince) <= r.cfg.EmptyRoomExpiry {
			continue
		}
		delete(r.rooms, id)
		destroyed = append(destroyed, id)
	}
	return destroyed
}

// RoomMapping locates one released number mapping.
type RoomMapping struct {
	Room     string
	ClientNo uint16
}

// DevicePurge is one expired device-ID entry removed by the cleanup sweep,
// with every room mapping it released.
type DevicePurge struct {
	DeviceID string
	Mappings []RoomMapping
}

// purgeDevices removes device liveness entries older than device_id_expiry
// and releases their room mappings for number reuse. A device with an
// active record refreshes its liveness on every frame, so expired entries
// have no live membership in practice; any residual record is dropped.
func (r *registry) purgeDevices(now time.Time) []DevicePurge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []DevicePurge
	for dev, seen := range r.devices {
		if now.Sub(seen) <= r.cfg.DeviceIDExpiry {
			continue
		}

		p := DevicePurge{DeviceID: dev}
		for id, rm := range r.rooms {
			no, ok := rm.numberOf[dev]
			if !ok {
				continue
			}
			delete(rm.numberOf, dev)
			delete(rm.deviceOf, no)
			if rm.dropRecord(dev) {
				rm.dirty = true
			}
			rm.freeNos = append(rm.freeNos, no)
			p.Mappings = append(p.Mappings, RoomMapping{Room: id, ClientNo: no})
		}

		delete(r.devices, dev)
		purged = append(purged, p)
	}
	return purged
}

// -------------------------------------------------------------------------
// Snapshots
// -------------------------------------------------------------------------

// ClientSnapshot is a read-only view of one active room member.
type ClientSnapshot struct {
	ClientNo   uint16    `json:"clientNo"`
	DeviceID   string    `json:"deviceId"`
	Stealth    bool      `json:"stealth"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// RoomSnapshot is a read-only view of one room's registry state.
type RoomSnapshot struct {
	ID            string    `json:"id"`
	Clients       int       `json:"clients"`
	Mapped        int       `json:"mapped"`
	Dirty         bool      `json:"dirty"`
	LastBroadcast time.Time `json:"lastBroadcast"`
	EmptySince    time.Time `json:"emptySince,omitzero"`
}

// RoomDetail extends RoomSnapshot with the member list in join order.
type RoomDetail struct {
	RoomSnapshot
	Members []ClientSnapshot `json:"members"`
}

// snapshotRooms lists every room sorted by ID.
func (r *registry) snapshotRooms() []RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(r.rooms))
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, r.snapshotLocked(id, r.rooms[id]))
	}
	return out
}

// snapshotRoom returns the detailed view of one room.
func (r *registry) snapshotRoom(id string) (RoomDetail, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return RoomDetail{}, false
	}

	d := RoomDetail{RoomSnapshot: r.snapshotLocked(id, rm)}
	d.Members = make([]ClientSnapshot, 0, len(rm.order))
	for _, dev := range rm.order {
		rec := rm.records[dev]
		d.Members = append(d.Members, ClientSnapshot{
			ClientNo:   rec.clientNo,
			DeviceID:   dev,
			Stealth:    rec.stealth,
			LastUpdate: rec.lastUpdate,
		})
	}
	return d, true
}

func (r *registry) snapshotLocked(id string, rm *room) RoomSnapshot {
	return RoomSnapshot{
		ID:            id,
		Clients:       len(rm.records),
		Mapped:        len(rm.numberOf),
		Dirty:         rm.dirty,
		LastBroadcast: rm.lastBroadcast,
		EmptySince:    rm.emptySince,
	}
}

// counts returns the number of rooms and active clients.
func (r *registry) counts() (rooms, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms = len(r.rooms)
	for _, rm := range r.rooms {
		clients += len(rm.records)
	}
	return rooms, clients
}

// clientCount returns the number of active records in one room.
func (r *registry) clientCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.records)
	}
	return 0
}
