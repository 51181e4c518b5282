package netvar

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"slices"

	"github.com/styly-dev/netsync/internal/protocol"
)

// nameTable interns variable names to compact u16 IDs for delta payloads.
//
// IDs start at 1, grow monotonically, and are never reused, even after
// every variable carrying a name has been deleted. The digest covers the
// linear pack <u16 id LE><name bytes> of all entries in id order; because
// the pack only ever grows at the tail, the CRC is extended incrementally.
type nameTable struct {
	ids     map[string]uint16
	entries []protocol.NameTableEntry

	version      uint32
	baseVersion  uint32
	flushedCount int
	crc          uint32
}

func newNameTable() nameTable {
	return nameTable{ids: make(map[string]uint16)}
}

// lookup returns the ID for name without interning it.
func (t *nameTable) lookup(name string) (uint16, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// intern returns the ID for name, allocating the next one on first sight.
// Returns false when all 65535 IDs are taken.
func (t *nameTable) intern(name string) (uint16, bool) {
	if id, ok := t.ids[name]; ok {
		return id, true
	}
	if len(t.entries) >= math.MaxUint16 {
		return 0, false
	}

	id := uint16(len(t.entries) + 1)
	t.ids[name] = id
	t.entries = append(t.entries, protocol.NameTableEntry{ID: id, Name: name})
	t.crc = crc32.Update(t.crc, crc32.IEEETable, packNameEntry(id, name))
	t.version++
	return id, true
}

// nameOf resolves an interned ID back to its name. Returns "" for IDs the
// table never issued.
func (t *nameTable) nameOf(id uint16) string {
	idx := int(id) - 1
	if idx < 0 || idx >= len(t.entries) {
		return ""
	}
	return t.entries[idx].Name
}

func (t *nameTable) digest() protocol.NameTableDigest {
	return protocol.NameTableDigest{
		Version: t.version,
		Count:   uint16(len(t.entries)),
		CRC32:   t.crc,
	}
}

func (t *nameTable) full() *protocol.NameTableFull {
	return &protocol.NameTableFull{
		Version: t.version,
		Count:   uint16(len(t.entries)),
		CRC32:   t.crc,
		Entries: slices.Clone(t.entries),
	}
}

// deltaSinceFlush returns the names interned since the last markFlushed,
// or nil when none were.
func (t *nameTable) deltaSinceFlush() *protocol.NameTableDelta {
	if t.flushedCount == len(t.entries) {
		return nil
	}
	return &protocol.NameTableDelta{
		BaseVersion: t.baseVersion,
		Version:     t.version,
		Added:       slices.Clone(t.entries[t.flushedCount:]),
	}
}

func (t *nameTable) markFlushed() {
	t.flushedCount = len(t.entries)
	t.baseVersion = t.version
}

func packNameEntry(id uint16, name string) []byte {
	b := make([]byte, 0, 2+len(name))
	b = binary.LittleEndian.AppendUint16(b, id)
	return append(b, name...)
}
