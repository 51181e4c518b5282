package protocol_test

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/styly-dev/netsync/internal/protocol"
)

// nanPose returns the stealth convention pose: every component of every
// fixed slot NaN, no virtuals.
func nanPose() protocol.PoseSet {
	nan := float32(math.NaN())
	t := protocol.Transform{PosX: nan, PosY: nan, PosZ: nan, RotX: nan, RotY: nan, RotZ: nan}
	return protocol.PoseSet{Physical: t, Head: t, RightHand: t, LeftHand: t}
}

func testPose(seed float32) protocol.PoseSet {
	tf := func(base float32) protocol.Transform {
		return protocol.Transform{
			PosX: base, PosY: base + 0.25, PosZ: base + 0.5,
			RotX: base + 1, RotY: base + 2, RotZ: base + 3,
		}
	}
	return protocol.PoseSet{
		Physical:  tf(seed),
		Head:      tf(seed + 10),
		RightHand: tf(seed + 20),
		LeftHand:  tf(seed + 30),
		Virtuals:  []protocol.Transform{tf(seed + 40), tf(seed + 50)},
	}
}

// -------------------------------------------------------------------------
// TestEncodeDecodeRoundTrip — every message kind survives a round trip
// -------------------------------------------------------------------------

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{
			name: "client transform with virtuals",
			msg:  &protocol.ClientTransform{DeviceID: "device-abc-123", Pose: testPose(1)},
		},
		{
			name: "client transform no virtuals",
			msg: &protocol.ClientTransform{
				DeviceID: "d",
				Pose: protocol.PoseSet{
					Physical: protocol.Transform{PosX: 1, PosY: 2, PosZ: 3},
					Head:     protocol.Transform{RotY: 180},
				},
			},
		},
		{
			name: "room transform two clients",
			msg: &protocol.RoomTransform{
				RoomID: "lobby",
				Clients: []protocol.RoomClientPose{
					{ClientNo: 1, Pose: testPose(1)},
					{ClientNo: 7, Pose: testPose(2)},
				},
			},
		},
		{
			name: "rpc",
			msg: &protocol.RPC{
				SenderClientNo: 3,
				Function:       "SpawnObject",
				ArgumentsJSON:  `["cube",1.5,true]`,
			},
		},
		{
			name: "rpc empty args",
			msg:  &protocol.RPC{SenderClientNo: 0, Function: "Ping", ArgumentsJSON: ""},
		},
		{
			name: "targeted rpc",
			msg: &protocol.RPCTargeted{
				SenderClientNo: 1,
				Targets:        []uint16{3, 9, 65535},
				Function:       "Kick",
				ArgumentsJSON:  `{"reason":"afk"}`,
			},
		},
		{
			name: "device mapping",
			msg: &protocol.DeviceIDMapping{
				Major: protocol.VersionMajor,
				Minor: protocol.VersionMinor,
				Patch: protocol.VersionPatch,
				Entries: []protocol.MappingEntry{
					{ClientNo: 1, Stealth: false, DeviceID: "hmd-001"},
					{ClientNo: 2, Stealth: true, DeviceID: "observer-9"},
				},
			},
		},
		{
			name: "global var set",
			msg: &protocol.GlobalVarSet{
				SenderClientNo: 4,
				Name:           "score",
				Value:          "120",
				Timestamp:      1756100000.125,
			},
		},
		{
			name: "global var sync",
			msg: &protocol.GlobalVarSync{
				Vars: []protocol.VarState{
					{Name: "score", Value: "120", Timestamp: 100.5, LastWriter: 4},
					{Name: "phase", Value: "night", Timestamp: 101, LastWriter: 2},
				},
			},
		},
		{
			name: "client var set",
			msg: &protocol.ClientVarSet{
				SenderClientNo: 2,
				TargetClientNo: 2,
				Name:           "avatar",
				Value:          "fox",
				Timestamp:      55.25,
			},
		},
		{
			name: "client var sync",
			msg: &protocol.ClientVarSync{
				Clients: []protocol.ClientVarState{
					{
						ClientNo: 2,
						Vars:     []protocol.VarState{{Name: "avatar", Value: "fox", Timestamp: 55.25, LastWriter: 2}},
					},
				},
			},
		},
		{
			name: "hello",
			msg:  &protocol.Hello{AppID: "com.example.vr-app", DeviceID: "device-abc-123"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame, err := protocol.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(frame) == 0 || protocol.Kind(frame[0]) != tt.msg.Kind() {
				t.Fatalf("frame kind = %v, want %v", protocol.Kind(frame[0]), tt.msg.Kind())
			}

			got, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got  %#v\n want %#v", got, tt.msg)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestStealthDetection — all-NaN pose convention
// -------------------------------------------------------------------------

func TestStealthDetection(t *testing.T) {
	t.Parallel()

	stealth := nanPose()
	if !stealth.Stealth() {
		t.Error("all-NaN pose with no virtuals: Stealth() = false, want true")
	}

	// A stealth pose must survive encoding: NaN payloads are valid floats.
	frame, err := protocol.Encode(&protocol.ClientTransform{DeviceID: "ghost", Pose: stealth})
	if err != nil {
		t.Fatalf("Encode stealth transform: %v", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode stealth transform: %v", err)
	}
	ct, ok := msg.(*protocol.ClientTransform)
	if !ok {
		t.Fatalf("decoded %T, want *protocol.ClientTransform", msg)
	}
	if !ct.Pose.Stealth() {
		t.Error("decoded stealth pose lost the all-NaN convention")
	}

	// One finite component anywhere breaks stealth.
	partial := nanPose()
	partial.LeftHand.RotZ = 0
	if partial.Stealth() {
		t.Error("pose with a finite component: Stealth() = true, want false")
	}

	// Any virtual transform breaks stealth even with all-NaN fixed slots.
	withVirtual := nanPose()
	withVirtual.Virtuals = []protocol.Transform{{}}
	if withVirtual.Stealth() {
		t.Error("pose with a virtual transform: Stealth() = true, want false")
	}
}

// -------------------------------------------------------------------------
// TestVirtualTransformClamp — encoder and decoder both cap at 50
// -------------------------------------------------------------------------

func TestVirtualTransformClamp(t *testing.T) {
	t.Parallel()

	pose := testPose(0)
	pose.Virtuals = make([]protocol.Transform, protocol.MaxVirtualTransforms+1)
	for i := range pose.Virtuals {
		pose.Virtuals[i] = protocol.Transform{PosX: float32(i)}
	}

	frame, err := protocol.Encode(&protocol.ClientTransform{DeviceID: "d", Pose: pose})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ct := msg.(*protocol.ClientTransform)
	if got := len(ct.Pose.Virtuals); got != protocol.MaxVirtualTransforms {
		t.Errorf("decoded %d virtuals, want clamp at %d", got, protocol.MaxVirtualTransforms)
	}
	// The clamp keeps the first 50 entries.
	if ct.Pose.Virtuals[49].PosX != 49 {
		t.Errorf("virtual[49].PosX = %v, want 49", ct.Pose.Virtuals[49].PosX)
	}
}

// -------------------------------------------------------------------------
// TestEncodeValidation — capacity limits are encoding errors
// -------------------------------------------------------------------------

func TestEncodeValidation(t *testing.T) {
	t.Parallel()

	longName := strings.Repeat("x", 256)

	tests := []struct {
		name    string
		msg     protocol.Message
		wantErr error
	}{
		{
			name:    "function name over u8 capacity",
			msg:     &protocol.RPC{Function: longName, ArgumentsJSON: "[]"},
			wantErr: protocol.ErrStringTooLong,
		},
		{
			name: "targeted rpc function name over u8 capacity",
			msg: &protocol.RPCTargeted{
				Targets:       []uint16{1},
				Function:      longName,
				ArgumentsJSON: "[]",
			},
			wantErr: protocol.ErrStringTooLong,
		},
		{
			name: "targeted rpc over target cap",
			msg: &protocol.RPCTargeted{
				Targets:  make([]uint16, protocol.MaxRPCTargets+1),
				Function: "f",
			},
			wantErr: protocol.ErrTooManyTargets,
		},
		{
			name:    "device id over u8 capacity",
			msg:     &protocol.ClientTransform{DeviceID: longName},
			wantErr: protocol.ErrStringTooLong,
		},
		{
			name: "var value over u16 capacity",
			msg: &protocol.GlobalVarSet{
				Name:  "big",
				Value: strings.Repeat("v", math.MaxUint16+1),
			},
			wantErr: protocol.ErrStringTooLong,
		},
		{
			name:    "hello app id over u8 capacity",
			msg:     &protocol.Hello{AppID: longName, DeviceID: "d"},
			wantErr: protocol.ErrStringTooLong,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := protocol.Encode(tt.msg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Encode error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestDecodeValidation — malformed frames are rejected, never panic
// -------------------------------------------------------------------------

func TestDecodeValidation(t *testing.T) {
	t.Parallel()

	validTransform := func() []byte {
		frame, err := protocol.Encode(&protocol.ClientTransform{DeviceID: "dev", Pose: testPose(0)})
		if err != nil {
			t.Fatalf("build valid frame: %v", err)
		}
		return frame
	}

	tests := []struct {
		name    string
		frame   []byte
		wantErr error
	}{
		{
			name:    "empty frame",
			frame:   nil,
			wantErr: protocol.ErrEmptyFrame,
		},
		{
			name:    "unknown kind",
			frame:   []byte{0xFF, 0x00},
			wantErr: protocol.ErrUnknownKind,
		},
		{
			name:    "retired kind 4",
			frame:   []byte{0x04, 0x00},
			wantErr: protocol.ErrUnknownKind,
		},
		{
			name:    "truncated client transform",
			frame:   validTransform()[:40],
			wantErr: protocol.ErrBodyTooShort,
		},
		{
			name:    "client transform trailing bytes",
			frame:   append(validTransform(), 0xAB),
			wantErr: protocol.ErrTrailingBytes,
		},
		{
			name: "string length past end of body",
			// Kind RPC, sender=0, fnLen=200 but only 2 bytes follow.
			frame:   []byte{0x03, 0x00, 0x00, 200, 'h', 'i'},
			wantErr: protocol.ErrBodyTooShort,
		},
		{
			name: "targeted rpc over target cap",
			frame: func() []byte {
				b := []byte{0x0B, 0x01, 0x00}
				b = binary.LittleEndian.AppendUint16(b, protocol.MaxRPCTargets+1)
				return b
			}(),
			wantErr: protocol.ErrTooManyTargets,
		},
		{
			name:    "hello truncated",
			frame:   []byte{0x0C, 0x05, 'a', 'p'},
			wantErr: protocol.ErrBodyTooShort,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := protocol.Decode(tt.frame); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestClientTransformFieldPositions — exact wire layout
// -------------------------------------------------------------------------

func TestClientTransformFieldPositions(t *testing.T) {
	t.Parallel()

	pose := protocol.PoseSet{
		Physical: protocol.Transform{PosX: 1.0},
		Head:     protocol.Transform{RotZ: -2.0},
		Virtuals: []protocol.Transform{{PosY: 3.0}},
	}
	frame, err := protocol.Encode(&protocol.ClientTransform{DeviceID: "ab", Pose: pose})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// kind(1) + len(1) + "ab"(2) + 4 poses(96) + virtCount(1) + 1 virtual(24).
	if len(frame) != 125 {
		t.Fatalf("frame length = %d, want 125", len(frame))
	}
	if frame[0] != byte(protocol.KindClientTransform) {
		t.Errorf("byte 0 (kind): got 0x%02X, want 0x01", frame[0])
	}
	if frame[1] != 2 || frame[2] != 'a' || frame[3] != 'b' {
		t.Errorf("bytes 1-3 (device id): got % X, want 02 61 62", frame[1:4])
	}

	// Physical PosX = 1.0 is the first float at offset 4 (little-endian).
	if got := binary.LittleEndian.Uint32(frame[4:8]); got != math.Float32bits(1.0) {
		t.Errorf("physical posX bits = 0x%08X, want 0x%08X", got, math.Float32bits(1.0))
	}
	// Head RotZ = -2.0 is the last float of the second pose:
	// offset 4 + 24 (physical) + 20 (head posX..rotY) = 48.
	if got := binary.LittleEndian.Uint32(frame[48:52]); got != math.Float32bits(-2.0) {
		t.Errorf("head rotZ bits = 0x%08X, want 0x%08X", got, math.Float32bits(-2.0))
	}
	// Virtual count directly after the four fixed poses: 4 + 96 = 100.
	if frame[100] != 1 {
		t.Errorf("byte 100 (virtual count): got %d, want 1", frame[100])
	}
	// Virtual PosY at 101 + 4.
	if got := binary.LittleEndian.Uint32(frame[105:109]); got != math.Float32bits(3.0) {
		t.Errorf("virtual posY bits = 0x%08X, want 0x%08X", got, math.Float32bits(3.0))
	}
}

// -------------------------------------------------------------------------
// TestBuildRoomTransform — block assembly matches struct encoding
// -------------------------------------------------------------------------

func TestBuildRoomTransform(t *testing.T) {
	t.Parallel()

	poses := []protocol.RoomClientPose{
		{ClientNo: 5, Pose: testPose(1)},
		{ClientNo: 12, Pose: testPose(9)},
	}

	want, err := protocol.Encode(&protocol.RoomTransform{RoomID: "stage", Clients: poses})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var blocks [][]byte
	for i := range poses {
		blocks = append(blocks, protocol.AppendPoseBlock(nil, poses[i].ClientNo, &poses[i].Pose))
	}
	got, err := protocol.BuildRoomTransform("stage", blocks)
	if err != nil {
		t.Fatalf("BuildRoomTransform: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("assembled frame differs from struct encoding:\n got  % X\n want % X", got, want)
	}
}

func TestBuildRoomTransformEmpty(t *testing.T) {
	t.Parallel()

	frame, err := protocol.BuildRoomTransform("empty-room", nil)
	if err != nil {
		t.Fatalf("BuildRoomTransform: %v", err)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rt := msg.(*protocol.RoomTransform)
	if rt.RoomID != "empty-room" || len(rt.Clients) != 0 {
		t.Errorf("decoded %q with %d clients, want empty-room with 0", rt.RoomID, len(rt.Clients))
	}
}

// -------------------------------------------------------------------------
// TestKindString — log-friendly names
// -------------------------------------------------------------------------

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind protocol.Kind
		want string
	}{
		{protocol.KindClientTransform, "ClientTransform"},
		{protocol.KindDeviceIDMapping, "DeviceIdMapping"},
		{protocol.KindHello, "Hello"},
		{protocol.KindSnapshot, "Snapshot"},
		{protocol.KindNameTableDigest, "NameTableDigest"},
		{protocol.Kind(0xEE), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

// -------------------------------------------------------------------------
// FuzzDecode — arbitrary frames must never panic
// -------------------------------------------------------------------------

func FuzzDecode(f *testing.F) {
	seed := []protocol.Message{
		&protocol.ClientTransform{DeviceID: "dev", Pose: testPose(0)},
		&protocol.RPC{SenderClientNo: 1, Function: "Ping", ArgumentsJSON: "[]"},
		&protocol.RPCTargeted{SenderClientNo: 1, Targets: []uint16{2}, Function: "f"},
		&protocol.GlobalVarSet{SenderClientNo: 1, Name: "n", Value: "v", Timestamp: 1},
		&protocol.Hello{AppID: "app", DeviceID: "dev"},
		&protocol.DeltaAck{LastSeq: 42},
	}
	for _, msg := range seed {
		frame, err := protocol.Encode(msg)
		if err != nil {
			f.Fatalf("seed encode: %v", err)
		}
		f.Add(frame)
	}
	f.Add([]byte{})
	f.Add([]byte{0x02, 0x00})

	f.Fuzz(func(t *testing.T, frame []byte) {
		msg, err := protocol.Decode(frame)
		if err != nil {
			return
		}
		// Anything that decodes cleanly must re-encode cleanly: decoded
		// fields are within capacity limits by construction.
		if _, err := protocol.Encode(msg); err != nil {
			t.Errorf("re-encode of decoded frame failed: %v", err)
		}
	})
}
