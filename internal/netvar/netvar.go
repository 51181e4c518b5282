// Package netvar replicates named variables across the clients of a room.
//
// Variables live in two scopes: global (one map per room) and client (one
// map per client number per room). Writes are resolved by last-writer-wins
// on the client-supplied timestamp, with ties broken in favor of the higher
// client number. Accepted mutations receive a monotonically increasing
// per-room sequence number and are replicated two ways on a fixed cadence:
// as compact delta batches referencing interned name IDs, and as the
// full-state sync frames older clients consume. A bounded delta log allows
// a lagging client to repair gaps from its last acknowledged sequence; a
// client that has fallen behind the log receives a fresh snapshot instead.
package netvar

import (
	"time"
)

// Rejection reason labels used in metrics and logs.
const (
	reasonLWW       = "lww"
	reasonLimit     = "limit"
	reasonNoop      = "noop"
	reasonNameTable = "name_table_full"
)

// monitorWindow is the trailing window for per-device rate observation.
const monitorWindow = time.Second

// Config carries the tunable limits of the engine. Zero fields fall back
// to the stock server defaults.
type Config struct {
	// FlushInterval is the delta flush cadence used by Run.
	FlushInterval time.Duration

	// MonitorThreshold is the per-device requests-per-second level that
	// triggers a rate warning. Monitoring only; no traffic is dropped.
	MonitorThreshold int

	// MaxGlobalVars caps distinct global variable keys per room.
	MaxGlobalVars int

	// MaxClientVars caps distinct variable keys per client per room.
	MaxClientVars int

	// MaxNameLength is the byte cap applied to incoming variable names.
	// Longer names are truncated, not rejected.
	MaxNameLength int

	// MaxValueLength is the byte cap applied to incoming values.
	MaxValueLength int

	// RingSize bounds the per-room delta log used for ack repair.
	RingSize int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MonitorThreshold <= 0 {
		c.MonitorThreshold = 200
	}
	if c.MaxGlobalVars <= 0 {
		c.MaxGlobalVars = 100
	}
	if c.MaxClientVars <= 0 {
		c.MaxClientVars = 100
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = 64
	}
	if c.MaxValueLength <= 0 {
		c.MaxValueLength = 1024
	}
	if c.RingSize <= 0 {
		c.RingSize = 10000
	}
	return c
}

// Publisher delivers an encoded frame to every subscriber of a room topic.
// Implementations must not block; the engine calls Publish outside its lock.
type Publisher interface {
	Publish(topic string, frame []byte)
}

// Result reports the outcome of a mutation.
type Result uint8

const (
	// Applied means the mutation won and a delta record was emitted.
	Applied Result = iota

	// NoOp means the mutation changed nothing: a set carrying the value
	// already stored, or a delete of an unknown name.
	NoOp

	// RejectedOlder means last-writer-wins refused a stale timestamp.
	RejectedOlder

	// RejectedTie means the timestamp tied and the sender's client number
	// lost the tie-break.
	RejectedTie

	// RejectedLimit means the mutation would create a key past the
	// per-room or per-client budget.
	RejectedLimit

	// RejectedNameTable means the room's name table has no free IDs.
	RejectedNameTable
)

// Accepted reports whether the mutation was applied to the store.
func (r Result) Accepted() bool { return r == Applied }

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case NoOp:
		return "noop"
	case RejectedOlder:
		return "rejected_older"
	case RejectedTie:
		return "rejected_tie"
	case RejectedLimit:
		return "rejected_limit"
	case RejectedNameTable:
		return "rejected_name_table"
	default:
		return "unknown"
	}
}

// lwwAccepts is the last-writer-wins decision: a write loses to a strictly
// newer stored timestamp, and loses a timestamp tie when its client number
// is lower than the stored writer's.
func lwwAccepts(ts float64, writer uint16, curTS float64, curWriter uint16) bool {
	if ts < curTS {
		return false
	}
	if ts == curTS && writer < curWriter {
		return false
	}
	return true
}
