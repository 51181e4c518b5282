//go:build integration

// Package integration_test drives the full NetSync pipeline over loopback
// sockets: a real websocket request endpoint and subscribe endpoint wired
// around the hub, the variable engine, and the publisher, exercised the way
// headset clients exercise a deployed server.
package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/styly-dev/netsync/internal/hub"
	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/protocol"
	"github.com/styly-dev/netsync/internal/transport"
)

// testApp is the appId clients present to stacks with an open gate.
const testApp = "com.example.gallery"

// -------------------------------------------------------------------------
// Stack — in-process server wired like cmd/netsyncd
// -------------------------------------------------------------------------

// stackOptions selects the tunables and background loops a scenario needs.
// Loops are opt-in so tests asserting exact frame sequences can drive
// flushes themselves instead of racing a ticker.
type stackOptions struct {
	hub  hub.Config
	nv   netvar.Config
	apps []string

	scheduler bool
	flusher   bool
	lifecycle bool
}

// testStack is one in-process server: publisher, engine, hub, and live
// /req and /sub endpoints on ephemeral ports.
type testStack struct {
	hub       *hub.Hub
	engine    *netvar.Engine
	gate      *hub.AppIDGate
	collector *netmetrics.Collector

	reqURL string
	subURL string

	attached map[string]float64
}

// startStack builds the full pipeline on httptest servers and runs the
// requested loops until the test ends.
func startStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := netmetrics.NewCollector(prometheus.NewRegistry())
	pub := transport.NewPublisher(logger, collector, 1024)
	engine := netvar.New(logger, collector, pub, opts.nv)
	gate := hub.NewAppIDGate(opts.apps)
	h := hub.New(logger, collector, engine, pub, gate, opts.hub)

	reqSrv := httptest.NewServer(transport.NewIngress(logger, collector, h).Handler())
	t.Cleanup(reqSrv.Close)
	subSrv := httptest.NewServer(transport.NewEgress(logger, pub).Handler())
	t.Cleanup(subSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	start := func(run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	start(pub.Run)
	if opts.flusher {
		start(engine.Run)
	}
	if opts.scheduler {
		start(h.RunScheduler)
	}
	if opts.lifecycle {
		start(h.RunLifecycle)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &testStack{
		hub:       h,
		engine:    engine,
		gate:      gate,
		collector: collector,
		reqURL:    wsURL(reqSrv.URL, "/req"),
		subURL:    wsURL(subSrv.URL, "/sub"),
		attached:  make(map[string]float64),
	}
}

// -------------------------------------------------------------------------
// Clients
// -------------------------------------------------------------------------

// roomClient is one device driving the request endpoint.
type roomClient struct {
	t      *testing.T
	stack  *testStack
	conn   *websocket.Conn
	room   string
	device string
}

// connect dials the request endpoint and performs the Hello handshake.
func (st *testStack) connect(t *testing.T, room, appID, deviceID string) *roomClient {
	t.Helper()
	c := &roomClient{t: t, stack: st, conn: dialWS(t, st.reqURL), room: room, device: deviceID}
	c.send(&protocol.Hello{AppID: appID, DeviceID: deviceID})
	return c
}

// send encodes msg and writes it on the client's room topic.
func (c *roomClient) send(msg protocol.Message) {
	c.t.Helper()
	body, err := protocol.Encode(msg)
	if err != nil {
		c.t.Fatalf("encode %s: %v", msg.Kind(), err)
	}
	writeFrame(c.t, c.conn, c.room, body)
}

// join sends one visible pose and blocks until the hub has mapped the
// device to the client number its connect order earns.
func (c *roomClient) join(want uint16) {
	c.t.Helper()
	c.sendPose(visiblePose(0))
	c.waitAssigned(want)
}

// joinStealth announces presence with the all-NaN stealth pose.
func (c *roomClient) joinStealth(want uint16) {
	c.t.Helper()
	c.sendPose(stealthPose())
	c.waitAssigned(want)
}

func (c *roomClient) sendPose(pose protocol.PoseSet) {
	c.t.Helper()
	c.send(&protocol.ClientTransform{DeviceID: c.device, Pose: pose})
}

func (c *roomClient) waitAssigned(want uint16) {
	c.t.Helper()
	waitFor(c.t, fmt.Sprintf("client number %d for %s", want, c.device), func() bool {
		no, ok := c.stack.hub.ClientNoOf(c.room, c.device)
		return ok && no == want
	})
}

// -------------------------------------------------------------------------
// Subscribers
// -------------------------------------------------------------------------

// arrival is one decoded egress message and its receipt time.
type arrival struct {
	msg protocol.Message
	at  time.Time
}

// frameSink drains one subscribe connection in the background, grouping
// decoded messages by kind in arrival order.
type frameSink struct {
	mu     sync.Mutex
	byKind map[protocol.Kind][]arrival
}

// subscribe opens a subscribe connection for one room topic and waits for
// the publisher to attach it, so no frame published afterwards is missed.
func (st *testStack) subscribe(t *testing.T, room string) *frameSink {
	t.Helper()

	conn := dialWS(t, st.subURL+"?topics="+url.QueryEscape(room))
	st.attached[room]++
	want := st.attached[room]
	waitFor(t, "subscriber attach", func() bool {
		return gaugeValue(t, st.collector.Subscribers.WithLabelValues(room)) >= want
	})

	sink := &frameSink{byKind: make(map[protocol.Kind][]arrival)}
	go sink.drain(conn)
	return sink
}

func (s *frameSink) drain(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_, body, err := transport.SplitFrame(data)
		if err != nil {
			continue
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.byKind[msg.Kind()] = append(s.byKind[msg.Kind()], arrival{msg: msg, at: time.Now()})
		s.mu.Unlock()
	}
}

// count returns how many messages of kind have arrived so far.
func (s *frameSink) count(kind protocol.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKind[kind])
}

// message returns the i-th message of kind in arrival order.
func (s *frameSink) message(t *testing.T, kind protocol.Kind, i int) protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.byKind[kind]) {
		t.Fatalf("sink has %d %s frames, want index %d", len(s.byKind[kind]), kind, i)
	}
	return s.byKind[kind][i].msg
}

// messages returns all messages of kind in arrival order.
func (s *frameSink) messages(kind protocol.Kind) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, 0, len(s.byKind[kind]))
	for _, a := range s.byKind[kind] {
		out = append(out, a.msg)
	}
	return out
}

// countBetween returns how many messages of kind arrived within [from, to).
func (s *frameSink) countBetween(kind protocol.Kind, from, to time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.byKind[kind] {
		if !a.at.Before(from) && a.at.Before(to) {
			n++
		}
	}
	return n
}

// -------------------------------------------------------------------------
// Poses
// -------------------------------------------------------------------------

// visiblePose returns a plain standing pose; seed offsets the position so
// consecutive updates differ.
func visiblePose(seed int) protocol.PoseSet {
	return protocol.PoseSet{
		Physical: protocol.Transform{PosX: float32(seed) * 0.05, PosZ: 1},
		Head:     protocol.Transform{PosY: 1.6},
	}
}

// stealthPose returns the all-NaN pose clients send to stay out of room
// broadcasts while keeping their identity.
func stealthPose() protocol.PoseSet {
	nan := float32(math.NaN())
	hidden := protocol.Transform{PosX: nan, PosY: nan, PosZ: nan, RotX: nan, RotY: nan, RotZ: nan}
	return protocol.PoseSet{Physical: hidden, Head: hidden, RightHand: hidden, LeftHand: hidden}
}

// -------------------------------------------------------------------------
// Wire helpers
// -------------------------------------------------------------------------

// wsURL rewrites an httptest base URL to the websocket scheme.
func wsURL(httpURL, path string) string {
	return "ws" + httpURL[len("http"):] + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, topic string, body []byte) {
	t.Helper()
	frame, err := transport.AppendFrame(nil, topic, body)
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// expectPolicyClose reads until the server closes the connection and
// asserts the close carries the policy-violation code.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("connection ended with %v, want policy violation close", err)
		}
		return
	}
}

// -------------------------------------------------------------------------
// Assertions
// -------------------------------------------------------------------------

// waitFor polls cond until it holds or the budget runs out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
