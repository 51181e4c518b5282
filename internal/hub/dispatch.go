package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/protocol"
)

// ErrHandshakeDenied is returned by HandleFrame when a connection fails the
// handshake. The transport must close the connection; no further frames from
// it are processed.
var ErrHandshakeDenied = errors.New("handshake denied")

// Handshake denial reasons, used as metric labels.
const (
	denyNotHello    = "not_hello"
	denyDecode      = "decode"
	denyOversize    = "oversize"
	denyBadDeviceID = "bad_device_id"
	denyBadAppID    = "bad_app_id"
)

// connState tracks one transport connection through the handshake. Frames
// for a connection arrive from a single reader goroutine, so the fields need
// no lock of their own; only the conns map does.
type connState struct {
	helloDone bool
	denied    bool
	appID     string
	deviceID  string
}

func (h *Hub) conn(connID uint64) *connState {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	st, ok := h.conns[connID]
	if !ok {
		st = &connState{}
		h.conns[connID] = st
	}
	return st
}

// ConnClosed discards the handshake state for a closed connection.
func (h *Hub) ConnClosed(connID uint64) {
	h.connMu.Lock()
	delete(h.conns, connID)
	h.connMu.Unlock()
}

// HandleFrame processes one ingress frame sent on a room topic. The first
// frame of every connection must be a Hello; a non-nil return means the
// transport must close the connection. After the handshake, malformed or
// unexpected frames are counted and dropped without erroring so one bad
// frame cannot tear down an otherwise healthy client.
func (h *Hub) HandleFrame(connID uint64, topic string, body []byte) error {
	h.frames.Add(1)

	st := h.conn(connID)
	if st.denied {
		return fmt.Errorf("conn %d: %w", connID, ErrHandshakeDenied)
	}

	msg, err := protocol.Decode(body)
	if !st.helloDone {
		return h.handleHello(connID, st, msg, err)
	}
	if err != nil {
		h.metrics.IncMalformedFrame(kindLabel(body))
		h.logger.Warn("malformed frame dropped",
			slog.Uint64("conn", connID),
			slog.String("room", topic),
			slog.Any("error", err))
		return nil
	}

	h.metrics.IncFrameReceived(msg.Kind().String())

	switch v := msg.(type) {
	case *protocol.ClientTransform:
		h.handlePose(topic, st, v)
	case *protocol.RPC, *protocol.RPCTargeted:
		h.routeRPC(topic, st, msg)
	case *protocol.GlobalVarSet:
		h.handleVarSet(topic, st, func(no uint16) netvar.Result {
			return h.engine.SetGlobal(topic, st.deviceID, no, v.Name, v.Value, v.Timestamp)
		})
	case *protocol.ClientVarSet:
		h.handleVarSet(topic, st, func(no uint16) netvar.Result {
			return h.engine.SetClient(topic, st.deviceID, no, v.TargetClientNo, v.Name, v.Value, v.Timestamp)
		})
	case *protocol.DeltaAck:
		h.engine.HandleAck(topic, v.LastSeq)
	case *protocol.Hello:
		h.logger.Debug("duplicate hello ignored", slog.Uint64("conn", connID))
	default:
		h.logger.Warn("unexpected ingress kind",
			slog.Uint64("conn", connID),
			slog.String("kind", msg.Kind().String()))
	}
	return nil
}

// handleHello validates the connection's first frame against the protocol
// limits and the app-ID gate.
func (h *Hub) handleHello(connID uint64, st *connState, msg protocol.Message, decodeErr error) error {
	deny := func(reason string) error {
		st.denied = true
		h.metrics.IncHandshakeDenied(reason)
		h.logger.Warn("handshake denied",
			slog.Uint64("conn", connID),
			slog.String("reason", reason))
		return fmt.Errorf("conn %d (%s): %w", connID, reason, ErrHandshakeDenied)
	}

	if decodeErr != nil {
		return deny(denyDecode)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return deny(denyNotHello)
	}
	if len(hello.AppID) > protocol.MaxAppIDLen || len(hello.DeviceID) > protocol.MaxHelloDeviceIDLen {
		return deny(denyOversize)
	}
	if hello.DeviceID == "" {
		return deny(denyBadDeviceID)
	}
	if !h.gate.Allowed(hello.AppID) {
		return deny(denyBadAppID)
	}

	st.helloDone = true
	st.appID = hello.AppID
	st.deviceID = hello.DeviceID
	h.metrics.IncHandshakeAllowed()
	h.logger.Info("handshake accepted",
		slog.Uint64("conn", connID),
		slog.String("app_id", hello.AppID),
		slog.String("device_id", hello.DeviceID))
	return nil
}

// handlePose applies a client pose. The device identity comes from the
// handshake, not the frame body; the body's device ID is advisory.
func (h *Hub) handlePose(topic string, st *connState, ct *protocol.ClientTransform) {
	upd, err := h.registry.updatePose(topic, st.deviceID, &ct.Pose, time.Now())
	if err != nil {
		h.logger.Warn("pose rejected",
			slog.String("room", topic),
			slog.String("device_id", st.deviceID),
			slog.Any("error", err))
		return
	}

	h.applyAssignment(topic, upd.Assignment)
	if upd.Joined {
		h.metrics.SetClients(topic, h.registry.clientCount(topic))
		h.logger.Info("client joined",
			slog.String("room", topic),
			slog.String("device_id", st.deviceID),
			slog.Int("client_no", int(upd.ClientNo)),
			slog.Bool("stealth", upd.Stealth))
	}
	if upd.MappingChanged {
		h.publishMapping(topic)
	}
}

// routeRPC stamps the authoritative sender number into the frame and
// republishes it on the room topic. Targeted frames carry their target list
// through unchanged; receivers filter on their own client number.
func (h *Hub) routeRPC(topic string, st *connState, msg protocol.Message) {
	asn, err := h.registry.heartbeat(topic, st.deviceID, time.Now())
	if err != nil {
		h.logger.Warn("rpc dropped",
			slog.String("room", topic),
			slog.String("device_id", st.deviceID),
			slog.Any("error", err))
		return
	}
	h.applyAssignment(topic, asn)

	var mode string
	switch v := msg.(type) {
	case *protocol.RPC:
		v.SenderClientNo = asn.ClientNo
		mode = netmetrics.ModeBroadcast
	case *protocol.RPCTargeted:
		v.SenderClientNo = asn.ClientNo
		mode = netmetrics.ModeTargeted
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode rpc", slog.String("room", topic), slog.Any("error", err))
		return
	}
	h.pub.Publish(topic, frame)
	h.metrics.IncRPCRouted(mode)
}

// handleVarSet resolves the sender's client number, then applies the write
// through the engine. The engine records the accept/reject outcome itself.
func (h *Hub) handleVarSet(topic string, st *connState, apply func(no uint16) netvar.Result) {
	asn, err := h.registry.heartbeat(topic, st.deviceID, time.Now())
	if err != nil {
		h.logger.Warn("variable write dropped",
			slog.String("room", topic),
			slog.String("device_id", st.deviceID),
			slog.Any("error", err))
		return
	}
	h.applyAssignment(topic, asn)
	apply(asn.ClientNo)
}

// applyAssignment performs the side effects of a number assignment: room
// registration and, on the reclaim path, purging the previous owner's
// variable state before the number is reused.
func (h *Hub) applyAssignment(room string, asn Assignment) {
	if asn.RoomCreated {
		h.metrics.RegisterRoom()
		h.logger.Info("room created", slog.String("room", room))
	}
	if asn.ReclaimedFrom != "" {
		n := h.engine.PurgeClient(room, asn.ClientNo)
		h.logger.Info("client number reclaimed",
			slog.String("room", room),
			slog.Int("client_no", int(asn.ClientNo)),
			slog.String("from_device", asn.ReclaimedFrom),
			slog.Int("purged_vars", n))
	}
}

func kindLabel(body []byte) string {
	if len(body) == 0 {
		return "empty"
	}
	return protocol.Kind(body[0]).String()
}

// -------------------------------------------------------------------------
// Server-Origin Writes
// -------------------------------------------------------------------------

// SetGlobalVar applies a server-origin global write with client number 0.
// Server writes carry the current server time and lose timestamp ties to
// any client writer.
func (h *Hub) SetGlobalVar(room, name, value string) netvar.Result {
	return h.engine.SetGlobal(room, "", 0, name, value, serverTimestamp())
}

// DeleteGlobalVar removes a global variable on behalf of the server.
func (h *Hub) DeleteGlobalVar(room, name string) netvar.Result {
	return h.engine.DeleteGlobal(room, 0, name, serverTimestamp())
}

// SetClientVar applies a server-origin write to a client's variable bucket.
// The target does not have to be joined yet; preseeded values greet it.
func (h *Hub) SetClientVar(room string, target uint16, name, value string) netvar.Result {
	return h.engine.SetClient(room, "", 0, target, name, value, serverTimestamp())
}

// DeleteClientVar removes a client-scope variable on behalf of the server.
func (h *Hub) DeleteClientVar(room string, target uint16, name string) netvar.Result {
	return h.engine.DeleteClient(room, 0, target, name, serverTimestamp())
}

// GlobalVars lists a room's global variables for the management surface.
func (h *Hub) GlobalVars(room string) []protocol.VarState {
	return h.engine.GlobalVars(room)
}

// ClientVars lists a room's client-scope variables.
func (h *Hub) ClientVars(room string) []protocol.ClientVarState {
	return h.engine.ClientVars(room)
}

func serverTimestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
