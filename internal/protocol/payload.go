package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// -------------------------------------------------------------------------
// Network Variable Delta Protocol — MessagePack payloads
// -------------------------------------------------------------------------

// Delta record scopes as they appear in payloads.
const (
	// ScopeGlobal marks a room-scoped variable record.
	ScopeGlobal = "g"

	// ScopeClient marks a client-scoped variable record.
	ScopeClient = "c"
)

// Delta record operations.
const (
	// OpSet records a variable write.
	OpSet = "set"

	// OpDel records a variable delete.
	OpDel = "del"
)

// NameTableEntry is one (nameID, name) intern-table pair.
type NameTableEntry struct {
	ID   uint16 `msgpack:"id"`
	Name string `msgpack:"name"`
}

// NameTableDigest summarizes a room's name table so clients can detect
// divergence without the full table: intern version, entry count, and the
// CRC-32 of all (id, name) pairs packed in id order.
type NameTableDigest struct {
	Version uint32 `msgpack:"version"`
	Count   uint16 `msgpack:"count"`
	CRC32   uint32 `msgpack:"crc32"`
}

func (*NameTableDigest) Kind() Kind { return KindNameTableDigest }
func (*NameTableDigest) isMessage() {}

// NameTableFull carries a room's complete name intern table.
type NameTableFull struct {
	Version uint32           `msgpack:"version"`
	Count   uint16           `msgpack:"count"`
	CRC32   uint32           `msgpack:"crc32"`
	Entries []NameTableEntry `msgpack:"entries"`
}

func (*NameTableFull) Kind() Kind { return KindNameTableFull }
func (*NameTableFull) isMessage() {}

// NameTableDelta carries the names interned between two table versions.
// Name IDs are never reused within a room's lifetime, so a delta is always
// a pure append.
type NameTableDelta struct {
	BaseVersion uint32           `msgpack:"baseVersion"`
	Version     uint32           `msgpack:"version"`
	Added       []NameTableEntry `msgpack:"added"`
}

func (*NameTableDelta) Kind() Kind { return KindNameTableDelta }
func (*NameTableDelta) isMessage() {}

// DeltaItem is one network-variable mutation. Seq is the room-wide mutation
// sequence; Scope is ScopeGlobal or ScopeClient; Op is OpSet or OpDel.
// ClientNo is present only for client scope, Value only for sets.
type DeltaItem struct {
	Seq      uint64 `msgpack:"seq"`
	Scope    string `msgpack:"scope"`
	Op       string `msgpack:"op"`
	NameID   uint16 `msgpack:"nameId"`
	ClientNo uint16 `msgpack:"clientNo,omitempty"`
	Value    string `msgpack:"value,omitempty"`
}

// Delta carries the mutations flushed since the previous Delta. BaseSeq is
// the sequence directly before the first item; a client whose applied
// sequence does not match BaseSeq has missed a delta and must ack to
// trigger a resync.
type Delta struct {
	BaseSeq uint64      `msgpack:"baseSeq"`
	Items   []DeltaItem `msgpack:"items"`
}

func (*Delta) Kind() Kind { return KindDelta }
func (*Delta) isMessage() {}

// DeltaAck reports the highest delta sequence a client has applied. The
// server answers with a Snapshot when the acked sequence has already left
// the delta log.
type DeltaAck struct {
	LastSeq uint64 `msgpack:"lastSeq"`
}

func (*DeltaAck) Kind() Kind { return KindDeltaAck }
func (*DeltaAck) isMessage() {}

// Snapshot is the full network-variable state of a room: every global and
// client variable by nameID, the room mutation sequence, and the name-table
// digest the client needs to decide whether to request the full table.
type Snapshot struct {
	NVSeq   uint64                       `msgpack:"nvSeq"`
	Globals map[uint16]string            `msgpack:"globals"`
	Clients map[uint16]map[uint16]string `msgpack:"clients"`
	Digest  NameTableDigest              `msgpack:"nameTable"`
}

func (*Snapshot) Kind() Kind { return KindSnapshot }
func (*Snapshot) isMessage() {}

// -------------------------------------------------------------------------
// MessagePack framing
// -------------------------------------------------------------------------

// appendPayload serializes v as MessagePack after the kind tag already in
// dst.
func appendPayload(dst []byte, v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode msgpack payload: %w", err)
	}
	return append(dst, raw...), nil
}

// decodePayload parses the MessagePack body following the kind tag into v.
func decodePayload(body []byte, v any) error {
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode msgpack payload: %w", err)
	}
	return nil
}

// decodeAs parses a MessagePack body into a fresh value of the given
// payload type.
func decodeAs[T any](body []byte) (*T, error) {
	v := new(T)
	if err := decodePayload(body, v); err != nil {
		return nil, err
	}
	return v, nil
}
