// Package protocol implements the NetSync wire protocol.
//
// Every message is a binary frame that begins with a single-byte kind tag.
// Scalar fields are little-endian. Poses are packed as six float32 values
// (posX, posY, posZ, rotX, rotY, rotZ). Short strings (device IDs, room IDs,
// variable names, function names) carry a 1-byte length prefix; variable
// values and RPC argument blobs carry a 2-byte length prefix. The
// network-variable payloads (Snapshot, Delta, DeltaAck, NameTable*) are
// MessagePack maps carried after the kind tag.
package protocol

import "errors"

// -------------------------------------------------------------------------
// Message Kinds
// -------------------------------------------------------------------------

// Kind is the one-byte message tag that starts every NetSync frame.
type Kind uint8

// Wire message kinds. Values 4 and 5 belonged to retired message types and
// must not be reassigned; clients in the field still treat them as no-ops.
const (
	// KindClientTransform is a client pose update (client to server).
	KindClientTransform Kind = 1

	// KindRoomTransform is the aggregated room pose broadcast (server to room).
	KindRoomTransform Kind = 2

	// KindRPC is a broadcast remote procedure call (either direction).
	KindRPC Kind = 3

	// KindDeviceIDMapping is the clientNo-to-deviceID table broadcast
	// (server to room).
	KindDeviceIDMapping Kind = 6

	// KindGlobalVarSet is a room-scoped variable write (client to server).
	KindGlobalVarSet Kind = 7

	// KindGlobalVarSync is the full room-variable state broadcast
	// (server to room).
	KindGlobalVarSync Kind = 8

	// KindClientVarSet is a client-scoped variable write (client to server).
	KindClientVarSet Kind = 9

	// KindClientVarSync is the full client-variable state broadcast
	// (server to room).
	KindClientVarSync Kind = 10

	// KindRPCTargeted is an RPC addressed to specific client numbers.
	KindRPCTargeted Kind = 11

	// KindHello is the application handshake; it must be the first message
	// on every request connection.
	KindHello Kind = 12

	// KindSnapshot carries the full network-variable state for resync
	// (server to room, MessagePack payload).
	KindSnapshot Kind = 0x20

	// KindDelta carries incremental network-variable mutations
	// (server to room, MessagePack payload).
	KindDelta Kind = 0x21

	// KindDeltaAck acknowledges the highest delta sequence a client has
	// applied (client to server, MessagePack payload).
	KindDeltaAck Kind = 0x22

	// KindNameTableFull carries the complete variable-name intern table.
	KindNameTableFull Kind = 0x30

	// KindNameTableDelta carries names interned since a base version.
	KindNameTableDelta Kind = 0x31

	// KindNameTableDigest carries the (version, count, crc32) triple used
	// by clients to detect name-table divergence.
	KindNameTableDigest Kind = 0x32
)

// String returns a short human-readable kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindClientTransform:
		return "ClientTransform"
	case KindRoomTransform:
		return "RoomTransform"
	case KindRPC:
		return "RPC"
	case KindDeviceIDMapping:
		return "DeviceIdMapping"
	case KindGlobalVarSet:
		return "GlobalVarSet"
	case KindGlobalVarSync:
		return "GlobalVarSync"
	case KindClientVarSet:
		return "ClientVarSet"
	case KindClientVarSync:
		return "ClientVarSync"
	case KindRPCTargeted:
		return "RPCTargeted"
	case KindHello:
		return "Hello"
	case KindSnapshot:
		return "Snapshot"
	case KindDelta:
		return "Delta"
	case KindDeltaAck:
		return "DeltaAck"
	case KindNameTableFull:
		return "NameTableFull"
	case KindNameTableDelta:
		return "NameTableDelta"
	case KindNameTableDigest:
		return "NameTableDigest"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// Version of the NetSync wire protocol, stamped into every DeviceIdMapping
// broadcast so clients can detect incompatible servers.
const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
	VersionPatch uint8 = 0
)

// MaxVirtualTransforms is the wire-level cap on virtual transforms per
// client. Encoders clamp longer lists; decoders retain at most this many.
const MaxVirtualTransforms = 50

// MaxRPCTargets is the cap on target client numbers in a targeted RPC.
const MaxRPCTargets = 100

// Handshake field limits enforced by the ingress dispatcher.
const (
	// MaxAppIDLen is the maximum Hello appId length in bytes.
	MaxAppIDLen = 128

	// MaxHelloDeviceIDLen is the maximum Hello deviceId length in bytes.
	MaxHelloDeviceIDLen = 64
)

// TransformSize is the encoded size of one pose: six float32 values.
const TransformSize = 24

// poseSetMinSize is the encoded size of the four fixed pose slots plus the
// virtual-transform count byte.
const poseSetMinSize = 4*TransformSize + 1

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors returned by the codec. Decode errors mean the frame is
// dropped and counted; they never terminate a connection.
var (
	// ErrBodyTooShort indicates a truncated message body.
	ErrBodyTooShort = errors.New("message body too short")

	// ErrUnknownKind indicates an unrecognized kind tag.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrTrailingBytes indicates extra bytes after a complete message body.
	ErrTrailingBytes = errors.New("trailing bytes after message body")

	// ErrStringTooLong indicates a string field exceeds its length-prefix
	// capacity (255 for short strings, 65535 for values and argument blobs).
	ErrStringTooLong = errors.New("string exceeds length prefix capacity")

	// ErrTooManyTargets indicates a targeted RPC names more than
	// MaxRPCTargets client numbers.
	ErrTooManyTargets = errors.New("targeted rpc exceeds target cap")

	// ErrTooManyEntries indicates a collection exceeds its u16 count prefix.
	ErrTooManyEntries = errors.New("entry count exceeds u16 capacity")

	// ErrEmptyFrame indicates a zero-length frame with no kind tag.
	ErrEmptyFrame = errors.New("empty frame")
)
