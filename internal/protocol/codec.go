package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// -------------------------------------------------------------------------
// Encode — message to wire frame
// -------------------------------------------------------------------------

// Encode serializes a message into a fresh frame, kind tag first. String
// fields longer than their length-prefix capacity and targeted RPCs naming
// more than MaxRPCTargets clients are encoding errors; virtual transform
// lists longer than MaxVirtualTransforms are silently clamped.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *ClientTransform:
		return encodeClientTransform(v)
	case *RoomTransform:
		return encodeRoomTransform(v)
	case *RPC:
		return encodeRPC(v)
	case *RPCTargeted:
		return encodeRPCTargeted(v)
	case *DeviceIDMapping:
		return encodeDeviceIDMapping(v)
	case *GlobalVarSet:
		return encodeGlobalVarSet(v)
	case *GlobalVarSync:
		return encodeGlobalVarSync(v)
	case *ClientVarSet:
		return encodeClientVarSet(v)
	case *ClientVarSync:
		return encodeClientVarSync(v)
	case *Hello:
		return encodeHello(v)
	case *Snapshot, *Delta, *DeltaAck, *NameTableFull, *NameTableDelta, *NameTableDigest:
		return appendPayload([]byte{byte(m.Kind())}, v)
	default:
		return nil, fmt.Errorf("encode kind %s: %w", m.Kind(), ErrUnknownKind)
	}
}

func encodeClientTransform(v *ClientTransform) ([]byte, error) {
	if err := checkStr8("device id", v.DeviceID); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 2+len(v.DeviceID)+v.Pose.encodedSize())
	frame = append(frame, byte(KindClientTransform))
	frame = appendStr8(frame, v.DeviceID)
	frame = appendPoseSet(frame, &v.Pose)
	return frame, nil
}

func encodeRoomTransform(v *RoomTransform) ([]byte, error) {
	if err := checkStr8("room id", v.RoomID); err != nil {
		return nil, err
	}
	if len(v.Clients) > math.MaxUint16 {
		return nil, fmt.Errorf("room transform %d clients: %w", len(v.Clients), ErrTooManyEntries)
	}

	size := 4 + len(v.RoomID)
	for i := range v.Clients {
		size += 2 + v.Clients[i].Pose.encodedSize()
	}

	frame := make([]byte, 0, size)
	frame = append(frame, byte(KindRoomTransform))
	frame = appendStr8(frame, v.RoomID)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(v.Clients)))
	for i := range v.Clients {
		frame = AppendPoseBlock(frame, v.Clients[i].ClientNo, &v.Clients[i].Pose)
	}
	return frame, nil
}

func encodeRPC(v *RPC) ([]byte, error) {
	if err := checkStr8("function name", v.Function); err != nil {
		return nil, err
	}
	if err := checkStr16("arguments", v.ArgumentsJSON); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 7+len(v.Function)+len(v.ArgumentsJSON))
	frame = append(frame, byte(KindRPC))
	frame = binary.LittleEndian.AppendUint16(frame, v.SenderClientNo)
	frame = appendStr8(frame, v.Function)
	frame = appendStr16(frame, v.ArgumentsJSON)
	return frame, nil
}

func encodeRPCTargeted(v *RPCTargeted) ([]byte, error) {
	if len(v.Targets) > MaxRPCTargets {
		return nil, fmt.Errorf("%d targets: %w", len(v.Targets), ErrTooManyTargets)
	}
	if err := checkStr8("function name", v.Function); err != nil {
		return nil, err
	}
	if err := checkStr16("arguments", v.ArgumentsJSON); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 9+2*len(v.Targets)+len(v.Function)+len(v.ArgumentsJSON))
	frame = append(frame, byte(KindRPCTargeted))
	frame = binary.LittleEndian.AppendUint16(frame, v.SenderClientNo)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(v.Targets)))
	for _, t := range v.Targets {
		frame = binary.LittleEndian.AppendUint16(frame, t)
	}
	frame = appendStr8(frame, v.Function)
	frame = appendStr16(frame, v.ArgumentsJSON)
	return frame, nil
}

func encodeDeviceIDMapping(v *DeviceIDMapping) ([]byte, error) {
	if len(v.Entries) > math.MaxUint16 {
		return nil, fmt.Errorf("device mapping %d entries: %w", len(v.Entries), ErrTooManyEntries)
	}

	size := 6
	for i := range v.Entries {
		size += 4 + len(v.Entries[i].DeviceID)
	}

	frame := make([]byte, 0, size)
	frame = append(frame, byte(KindDeviceIDMapping), v.Major, v.Minor, v.Patch)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(v.Entries)))
	for i := range v.Entries {
		e := &v.Entries[i]
		if err := checkStr8("device id", e.DeviceID); err != nil {
			return nil, err
		}
		frame = binary.LittleEndian.AppendUint16(frame, e.ClientNo)
		frame = append(frame, boolByte(e.Stealth))
		frame = appendStr8(frame, e.DeviceID)
	}
	return frame, nil
}

func encodeGlobalVarSet(v *GlobalVarSet) ([]byte, error) {
	if err := checkVar(v.Name, v.Value); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 14+len(v.Name)+len(v.Value))
	frame = append(frame, byte(KindGlobalVarSet))
	frame = binary.LittleEndian.AppendUint16(frame, v.SenderClientNo)
	frame = appendVar(frame, v.Name, v.Value, v.Timestamp)
	return frame, nil
}

func encodeGlobalVarSync(v *GlobalVarSync) ([]byte, error) {
	if len(v.Vars) > math.MaxUint16 {
		return nil, fmt.Errorf("global var sync %d vars: %w", len(v.Vars), ErrTooManyEntries)
	}

	frame := append(make([]byte, 0, 3+24*len(v.Vars)), byte(KindGlobalVarSync))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(v.Vars)))
	return appendVarStates(frame, v.Vars)
}

func encodeClientVarSet(v *ClientVarSet) ([]byte, error) {
	if err := checkVar(v.Name, v.Value); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 16+len(v.Name)+len(v.Value))
	frame = append(frame, byte(KindClientVarSet))
	frame = binary.LittleEndian.AppendUint16(frame, v.SenderClientNo)
	frame = binary.LittleEndian.AppendUint16(frame, v.TargetClientNo)
	frame = appendVar(frame, v.Name, v.Value, v.Timestamp)
	return frame, nil
}

func encodeClientVarSync(v *ClientVarSync) ([]byte, error) {
	if len(v.Clients) > math.MaxUint16 {
		return nil, fmt.Errorf("client var sync %d clients: %w", len(v.Clients), ErrTooManyEntries)
	}

	frame := []byte{byte(KindClientVarSync)}
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(v.Clients)))
	for i := range v.Clients {
		c := &v.Clients[i]
		if len(c.Vars) > math.MaxUint16 {
			return nil, fmt.Errorf("client %d var sync %d vars: %w", c.ClientNo, len(c.Vars), ErrTooManyEntries)
		}
		frame = binary.LittleEndian.AppendUint16(frame, c.ClientNo)
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(c.Vars)))
		var err error
		frame, err = appendVarStates(frame, c.Vars)
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func encodeHello(v *Hello) ([]byte, error) {
	if err := checkStr8("app id", v.AppID); err != nil {
		return nil, err
	}
	if err := checkStr8("device id", v.DeviceID); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 3+len(v.AppID)+len(v.DeviceID))
	frame = append(frame, byte(KindHello))
	frame = appendStr8(frame, v.AppID)
	frame = appendStr8(frame, v.DeviceID)
	return frame, nil
}

// -------------------------------------------------------------------------
// Broadcast assembly helpers
// -------------------------------------------------------------------------

// AppendPoseBlock appends one RoomTransform client entry: the client number
// followed by the encoded pose set. The hub caches these blocks per client
// so the broadcast scheduler can assemble RoomTransform frames by plain
// concatenation.
func AppendPoseBlock(dst []byte, clientNo uint16, p *PoseSet) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, clientNo)
	return appendPoseSet(dst, p)
}

// BuildRoomTransform assembles a complete RoomTransform frame from
// pre-encoded pose blocks (see AppendPoseBlock), avoiding a decode/encode
// round trip on the broadcast hot path.
func BuildRoomTransform(roomID string, blocks [][]byte) ([]byte, error) {
	if err := checkStr8("room id", roomID); err != nil {
		return nil, err
	}
	if len(blocks) > math.MaxUint16 {
		return nil, fmt.Errorf("room transform %d clients: %w", len(blocks), ErrTooManyEntries)
	}

	size := 4 + len(roomID)
	for _, b := range blocks {
		size += len(b)
	}

	frame := make([]byte, 0, size)
	frame = append(frame, byte(KindRoomTransform))
	frame = appendStr8(frame, roomID)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(blocks)))
	for _, b := range blocks {
		frame = append(frame, b...)
	}
	return frame, nil
}

// -------------------------------------------------------------------------
// Decode — wire frame to message
// -------------------------------------------------------------------------

// Decode parses a complete frame (kind tag plus body) into its concrete
// message type. Truncated bodies, trailing bytes, and unknown kind tags are
// errors; callers drop such frames and keep the connection open.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	kind := Kind(frame[0])
	body := frame[1:]

	switch kind {
	case KindClientTransform:
		return decodeClientTransform(body)
	case KindRoomTransform:
		return decodeRoomTransform(body)
	case KindRPC:
		return decodeRPC(body)
	case KindRPCTargeted:
		return decodeRPCTargeted(body)
	case KindDeviceIDMapping:
		return decodeDeviceIDMapping(body)
	case KindGlobalVarSet:
		return decodeGlobalVarSet(body)
	case KindGlobalVarSync:
		return decodeGlobalVarSync(body)
	case KindClientVarSet:
		return decodeClientVarSet(body)
	case KindClientVarSync:
		return decodeClientVarSync(body)
	case KindHello:
		return decodeHello(body)
	case KindSnapshot:
		return decodeAs[Snapshot](body)
	case KindDelta:
		return decodeAs[Delta](body)
	case KindDeltaAck:
		return decodeAs[DeltaAck](body)
	case KindNameTableFull:
		return decodeAs[NameTableFull](body)
	case KindNameTableDelta:
		return decodeAs[NameTableDelta](body)
	case KindNameTableDigest:
		return decodeAs[NameTableDigest](body)
	default:
		return nil, fmt.Errorf("kind 0x%02x: %w", frame[0], ErrUnknownKind)
	}
}

func decodeClientTransform(body []byte) (*ClientTransform, error) {
	r := reader{buf: body}
	v := &ClientTransform{
		DeviceID: r.str8(),
		Pose:     r.poseSet(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("client transform: %w", err)
	}
	return v, nil
}

func decodeRoomTransform(body []byte) (*RoomTransform, error) {
	r := reader{buf: body}
	v := &RoomTransform{RoomID: r.str8()}

	count := int(r.u16())
	if r.err == nil && count > 0 {
		v.Clients = make([]RoomClientPose, 0, count)
	}
	for n := 0; n < count; n++ {
		c := RoomClientPose{ClientNo: r.u16(), Pose: r.poseSet()}
		if r.err != nil {
			break
		}
		v.Clients = append(v.Clients, c)
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("room transform: %w", err)
	}
	return v, nil
}

func decodeRPC(body []byte) (*RPC, error) {
	r := reader{buf: body}
	v := &RPC{
		SenderClientNo: r.u16(),
		Function:       r.str8(),
		ArgumentsJSON:  r.str16(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("rpc: %w", err)
	}
	return v, nil
}

func decodeRPCTargeted(body []byte) (*RPCTargeted, error) {
	r := reader{buf: body}
	v := &RPCTargeted{SenderClientNo: r.u16()}

	count := int(r.u16())
	if count > MaxRPCTargets {
		return nil, fmt.Errorf("targeted rpc %d targets: %w", count, ErrTooManyTargets)
	}
	if r.err == nil && count > 0 {
		v.Targets = make([]uint16, 0, count)
	}
	for n := 0; n < count; n++ {
		v.Targets = append(v.Targets, r.u16())
	}
	v.Function = r.str8()
	v.ArgumentsJSON = r.str16()

	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("targeted rpc: %w", err)
	}
	return v, nil
}

func decodeDeviceIDMapping(body []byte) (*DeviceIDMapping, error) {
	r := reader{buf: body}
	v := &DeviceIDMapping{
		Major: r.u8(),
		Minor: r.u8(),
		Patch: r.u8(),
	}

	count := int(r.u16())
	if r.err == nil && count > 0 {
		v.Entries = make([]MappingEntry, 0, count)
	}
	for n := 0; n < count; n++ {
		e := MappingEntry{
			ClientNo: r.u16(),
			Stealth:  r.u8() != 0,
			DeviceID: r.str8(),
		}
		if r.err != nil {
			break
		}
		v.Entries = append(v.Entries, e)
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("device mapping: %w", err)
	}
	return v, nil
}

func decodeGlobalVarSet(body []byte) (*GlobalVarSet, error) {
	r := reader{buf: body}
	v := &GlobalVarSet{
		SenderClientNo: r.u16(),
		Name:           r.str8(),
		Value:          r.str16(),
		Timestamp:      r.f64(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("global var set: %w", err)
	}
	return v, nil
}

func decodeGlobalVarSync(body []byte) (*GlobalVarSync, error) {
	r := reader{buf: body}
	v := new(GlobalVarSync)

	count := int(r.u16())
	if r.err == nil && count > 0 {
		v.Vars = make([]VarState, 0, count)
	}
	for n := 0; n < count; n++ {
		s := r.varState()
		if r.err != nil {
			break
		}
		v.Vars = append(v.Vars, s)
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("global var sync: %w", err)
	}
	return v, nil
}

func decodeClientVarSet(body []byte) (*ClientVarSet, error) {
	r := reader{buf: body}
	v := &ClientVarSet{
		SenderClientNo: r.u16(),
		TargetClientNo: r.u16(),
		Name:           r.str8(),
		Value:          r.str16(),
		Timestamp:      r.f64(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("client var set: %w", err)
	}
	return v, nil
}

func decodeClientVarSync(body []byte) (*ClientVarSync, error) {
	r := reader{buf: body}
	v := new(ClientVarSync)

	clientCount := int(r.u16())
	if r.err == nil && clientCount > 0 {
		v.Clients = make([]ClientVarState, 0, clientCount)
	}
	for n := 0; n < clientCount; n++ {
		c := ClientVarState{ClientNo: r.u16()}
		varCount := int(r.u16())
		if r.err != nil {
			break
		}
		if varCount > 0 {
			c.Vars = make([]VarState, 0, varCount)
		}
		for m := 0; m < varCount; m++ {
			s := r.varState()
			if r.err != nil {
				break
			}
			c.Vars = append(c.Vars, s)
		}
		if r.err != nil {
			break
		}
		v.Clients = append(v.Clients, c)
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("client var sync: %w", err)
	}
	return v, nil
}

func decodeHello(body []byte) (*Hello, error) {
	r := reader{buf: body}
	v := &Hello{
		AppID:    r.str8(),
		DeviceID: r.str8(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	return v, nil
}

// -------------------------------------------------------------------------
// Write helpers
// -------------------------------------------------------------------------

func checkStr8(field, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("%s %d bytes: %w", field, len(s), ErrStringTooLong)
	}
	return nil
}

func checkStr16(field, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%s %d bytes: %w", field, len(s), ErrStringTooLong)
	}
	return nil
}

func checkVar(name, value string) error {
	if err := checkStr8("variable name", name); err != nil {
		return err
	}
	return checkStr16("variable value", value)
}

// appendStr8 writes a 1-byte length prefix plus bytes. Length must have
// been validated with checkStr8.
func appendStr8(dst []byte, s string) []byte {
	dst = append(dst, uint8(len(s)))
	return append(dst, s...)
}

// appendStr16 writes a 2-byte length prefix plus bytes. Length must have
// been validated with checkStr16.
func appendStr16(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func appendF64(dst []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}

func appendTransform(dst []byte, t Transform) []byte {
	dst = appendF32(dst, t.PosX)
	dst = appendF32(dst, t.PosY)
	dst = appendF32(dst, t.PosZ)
	dst = appendF32(dst, t.RotX)
	dst = appendF32(dst, t.RotY)
	return appendF32(dst, t.RotZ)
}

// appendPoseSet writes the four fixed slots, the virtual count, and the
// virtual transforms, clamping the list to MaxVirtualTransforms.
func appendPoseSet(dst []byte, p *PoseSet) []byte {
	dst = appendTransform(dst, p.Physical)
	dst = appendTransform(dst, p.Head)
	dst = appendTransform(dst, p.RightHand)
	dst = appendTransform(dst, p.LeftHand)

	virt := p.Virtuals
	if len(virt) > MaxVirtualTransforms {
		virt = virt[:MaxVirtualTransforms]
	}
	dst = append(dst, uint8(len(virt)))
	for _, t := range virt {
		dst = appendTransform(dst, t)
	}
	return dst
}

// appendVar writes the <name><value><ts> triple shared by the var-set
// bodies. Lengths must have been validated with checkVar.
func appendVar(dst []byte, name, value string, ts float64) []byte {
	dst = appendStr8(dst, name)
	dst = appendStr16(dst, value)
	return appendF64(dst, ts)
}

func appendVarStates(dst []byte, vars []VarState) ([]byte, error) {
	for i := range vars {
		s := &vars[i]
		if err := checkVar(s.Name, s.Value); err != nil {
			return nil, err
		}
		dst = appendVar(dst, s.Name, s.Value, s.Timestamp)
		dst = binary.LittleEndian.AppendUint16(dst, s.LastWriter)
	}
	return dst, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// -------------------------------------------------------------------------
// Read helpers
// -------------------------------------------------------------------------

// reader is a sticky-error cursor over a message body. After the first
// failure every accessor returns the zero value; finish reports the error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = ErrBodyTooShort
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) f32() float32 {
	if !r.need(4) {
		return 0
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) f64() float64 {
	if !r.need(8) {
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) str8() string {
	n := int(r.u8())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) str16() string {
	n := int(r.u16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) transform() Transform {
	return Transform{
		PosX: r.f32(), PosY: r.f32(), PosZ: r.f32(),
		RotX: r.f32(), RotY: r.f32(), RotZ: r.f32(),
	}
}

// poseSet reads the four fixed slots plus the virtual list. All virtual
// entries declared by the count byte are consumed, but at most
// MaxVirtualTransforms are retained.
func (r *reader) poseSet() PoseSet {
	p := PoseSet{
		Physical:  r.transform(),
		Head:      r.transform(),
		RightHand: r.transform(),
		LeftHand:  r.transform(),
	}

	count := int(r.u8())
	keep := min(count, MaxVirtualTransforms)
	if r.err == nil && keep > 0 {
		p.Virtuals = make([]Transform, 0, keep)
	}
	for i := 0; i < count; i++ {
		t := r.transform()
		if r.err != nil {
			break
		}
		if i < keep {
			p.Virtuals = append(p.Virtuals, t)
		}
	}
	return p
}

func (r *reader) varState() VarState {
	return VarState{
		Name:       r.str8(),
		Value:      r.str16(),
		Timestamp:  r.f64(),
		LastWriter: r.u16(),
	}
}

// finish reports the sticky error, or ErrTrailingBytes if the body was not
// fully consumed.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}
