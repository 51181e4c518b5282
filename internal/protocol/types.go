package protocol

import "math"

// -------------------------------------------------------------------------
// Message — sealed union of every wire message
// -------------------------------------------------------------------------

// Message is implemented by every NetSync wire message. The set is sealed:
// Decode always returns one of the concrete types in this package, and
// handlers dispatch with a type switch instead of inspecting raw bodies.
type Message interface {
	// Kind returns the one-byte tag that identifies the message on the wire.
	Kind() Kind

	isMessage()
}

// -------------------------------------------------------------------------
// Pose Types
// -------------------------------------------------------------------------

// Transform is a single pose: position plus Euler rotation, in the order
// they appear on the wire (posX, posY, posZ, rotX, rotY, rotZ).
type Transform struct {
	PosX, PosY, PosZ float32
	RotX, RotY, RotZ float32
}

// IsNaN reports whether all six components are NaN. Clients signal stealth
// presence by sending all-NaN poses.
func (t Transform) IsNaN() bool {
	return math.IsNaN(float64(t.PosX)) && math.IsNaN(float64(t.PosY)) &&
		math.IsNaN(float64(t.PosZ)) && math.IsNaN(float64(t.RotX)) &&
		math.IsNaN(float64(t.RotY)) && math.IsNaN(float64(t.RotZ))
}

// PoseSet is the body-tracking payload shared by ClientTransform and each
// RoomTransform entry. Physical is the device root in room-local space; the
// remaining slots are relative to it. Virtuals carries up to
// MaxVirtualTransforms extra tracked objects.
type PoseSet struct {
	Physical  Transform
	Head      Transform
	RightHand Transform
	LeftHand  Transform
	Virtuals  []Transform
}

// Stealth reports whether the pose set is the stealth convention: all four
// fixed slots entirely NaN and no virtual transforms. Stealth clients keep
// their identity but are excluded from room broadcasts.
func (p *PoseSet) Stealth() bool {
	return len(p.Virtuals) == 0 &&
		p.Physical.IsNaN() && p.Head.IsNaN() &&
		p.RightHand.IsNaN() && p.LeftHand.IsNaN()
}

// encodedSize returns the wire size of the pose set with the virtual list
// clamped to MaxVirtualTransforms.
func (p *PoseSet) encodedSize() int {
	n := len(p.Virtuals)
	if n > MaxVirtualTransforms {
		n = MaxVirtualTransforms
	}
	return poseSetMinSize + n*TransformSize
}

// -------------------------------------------------------------------------
// Pose Messages
// -------------------------------------------------------------------------

// ClientTransform is the per-frame pose update a client sends to the server.
// The device ID identifies the sender; the server maps it to a client number.
type ClientTransform struct {
	DeviceID string
	Pose     PoseSet
}

func (*ClientTransform) Kind() Kind { return KindClientTransform }
func (*ClientTransform) isMessage() {}

// RoomClientPose is one client's entry in a RoomTransform broadcast,
// carrying the server-assigned client number instead of the device ID.
type RoomClientPose struct {
	ClientNo uint16
	Pose     PoseSet
}

// RoomTransform is the aggregated pose broadcast for one room. Entries
// appear in room insertion order and never include stealth clients.
type RoomTransform struct {
	RoomID  string
	Clients []RoomClientPose
}

func (*RoomTransform) Kind() Kind { return KindRoomTransform }
func (*RoomTransform) isMessage() {}

// -------------------------------------------------------------------------
// RPC Messages
// -------------------------------------------------------------------------

// RPC is a broadcast remote procedure call. The server overwrites
// SenderClientNo with the number it resolved for the sending connection, so
// receivers can trust the field.
type RPC struct {
	SenderClientNo uint16
	Function       string
	ArgumentsJSON  string
}

func (*RPC) Kind() Kind { return KindRPC }
func (*RPC) isMessage() {}

// RPCTargeted is an RPC addressed to specific client numbers. It is
// published once per room; receivers discard it unless their own number
// appears in Targets.
type RPCTargeted struct {
	SenderClientNo uint16
	Targets        []uint16
	Function       string
	ArgumentsJSON  string
}

func (*RPCTargeted) Kind() Kind { return KindRPCTargeted }
func (*RPCTargeted) isMessage() {}

// -------------------------------------------------------------------------
// Identity Messages
// -------------------------------------------------------------------------

// Hello is the application handshake. It must be the first message on a
// request connection; anything else closes the connection.
type Hello struct {
	AppID    string
	DeviceID string
}

func (*Hello) Kind() Kind { return KindHello }
func (*Hello) isMessage() {}

// MappingEntry is one row of a DeviceIdMapping broadcast.
type MappingEntry struct {
	ClientNo uint16
	Stealth  bool
	DeviceID string
}

// DeviceIDMapping is the clientNo-to-deviceID table broadcast to a room
// whenever membership changes. The three version bytes let clients detect
// servers speaking an incompatible protocol revision.
type DeviceIDMapping struct {
	Major, Minor, Patch uint8
	Entries             []MappingEntry
}

func (*DeviceIDMapping) Kind() Kind { return KindDeviceIDMapping }
func (*DeviceIDMapping) isMessage() {}

// -------------------------------------------------------------------------
// Network Variable Messages (legacy full-state family)
// -------------------------------------------------------------------------

// GlobalVarSet is a client write to a room-scoped variable. Timestamp is
// the sender's wall-clock seconds; conflicts resolve last-writer-wins with
// the higher client number breaking ties.
type GlobalVarSet struct {
	SenderClientNo uint16
	Name           string
	Value          string
	Timestamp      float64
}

func (*GlobalVarSet) Kind() Kind { return KindGlobalVarSet }
func (*GlobalVarSet) isMessage() {}

// VarState is one variable's replicated state as carried by the *VarSync
// broadcasts.
type VarState struct {
	Name       string
	Value      string
	Timestamp  float64
	LastWriter uint16
}

// GlobalVarSync is the full room-variable state broadcast.
type GlobalVarSync struct {
	Vars []VarState
}

func (*GlobalVarSync) Kind() Kind { return KindGlobalVarSync }
func (*GlobalVarSync) isMessage() {}

// ClientVarSet is a client write to a variable scoped to a target client
// number. Clients normally write their own scope, but the protocol does not
// forbid writing another client's.
type ClientVarSet struct {
	SenderClientNo uint16
	TargetClientNo uint16
	Name           string
	Value          string
	Timestamp      float64
}

func (*ClientVarSet) Kind() Kind { return KindClientVarSet }
func (*ClientVarSet) isMessage() {}

// ClientVarState is one client's variable map in a ClientVarSync broadcast.
type ClientVarState struct {
	ClientNo uint16
	Vars     []VarState
}

// ClientVarSync is the full client-variable state broadcast.
type ClientVarSync struct {
	Clients []ClientVarState
}

func (*ClientVarSync) Kind() Kind { return KindClientVarSync }
func (*ClientVarSync) isMessage() {}
