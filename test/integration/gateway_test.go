//go:build integration

package integration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/styly-dev/netsync/internal/discovery"
	"github.com/styly-dev/netsync/internal/hub"
	"github.com/styly-dev/netsync/internal/protocol"
)

// -------------------------------------------------------------------------
// Application ID gate
// -------------------------------------------------------------------------

// startResponder binds a discovery responder on an ephemeral port, wired to
// the stack's gate and collector, and returns a UDP client dialed at it.
func startResponder(t *testing.T, st *testStack) *net.UDPConn {
	t.Helper()

	r := discovery.NewResponder(slog.New(slog.NewTextHandler(io.Discard, nil)), st.collector, st.gate, discovery.Config{
		Port:       0,
		DealerPort: 5555,
		PubPort:    5556,
		ServerName: "STYLY-NetSync-Server",
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	target := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), r.Addr().Port())
	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		t.Fatalf("dial responder: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sendProbe(t *testing.T, conn *net.UDPConn, probe string) {
	t.Helper()
	if _, err := conn.Write([]byte(probe)); err != nil {
		t.Fatalf("send probe: %v", err)
	}
}

func readReply(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(buf[:n])
}

// expectNoReply asserts the responder stays silent for the window.
func expectNoReply(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 512)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected reply %q", buf[:n])
	}
}

// TestAppIDGateOnDiscoveryAndHandshake verifies that one allow-list decides
// both surfaces: UDP discovery stays silent for unlisted IDs, and the
// websocket handshake closes denied connections with a policy violation
// before any room state is touched.
func TestAppIDGateOnDiscoveryAndHandshake(t *testing.T) {
	st := startStack(t, stackOptions{
		hub:  hub.Config{ClientTimeout: 30 * time.Second},
		apps: []string{"com.styly.prod"},
	})
	probe := startResponder(t, st)

	// Discovery: unlisted ID gets silence, listed one the connect string.
	sendProbe(t, probe, "STYLY-NETSYNC|discover|appId=com.other|proto=1")
	expectNoReply(t, probe)
	if got := counterValue(t, st.collector.DiscoveryDenied); got != 1 {
		t.Errorf("discovery denied = %v, want 1", got)
	}

	sendProbe(t, probe, "STYLY-NETSYNC|discover|appId=com.styly.prod|proto=1")
	if got, want := readReply(t, probe), "STYLY-NETSYNC|5555|5556|STYLY-NetSync-Server"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}

	// Handshake: a first frame that is not Hello is rejected outright.
	raw := dialWS(t, st.reqURL)
	body, err := protocol.Encode(&protocol.ClientTransform{DeviceID: "dev-raw", Pose: visiblePose(1)})
	if err != nil {
		t.Fatalf("encode transform: %v", err)
	}
	writeFrame(t, raw, "plaza", body)
	expectPolicyClose(t, raw)
	waitFor(t, "not_hello denial", func() bool {
		return counterValue(t, st.collector.HandshakesDenied.WithLabelValues("not_hello")) == 1
	})

	// A Hello carrying an unlisted application ID is rejected by the same
	// gate that answered discovery.
	bad := st.connect(t, "plaza", "com.other", "dev-x")
	expectPolicyClose(t, bad.conn)
	waitFor(t, "bad_app_id denial", func() bool {
		return counterValue(t, st.collector.HandshakesDenied.WithLabelValues("bad_app_id")) == 1
	})

	// A listed ID passes and the client joins normally.
	ok := st.connect(t, "plaza", "com.styly.prod", "dev-ok")
	ok.join(1)
	if got := counterValue(t, st.collector.HandshakesAllowed); got != 1 {
		t.Errorf("handshakes allowed = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Targeted RPC
// -------------------------------------------------------------------------

// TestTargetedRPCRoutesToListedClientsOnly verifies the targeted RPC
// contract: the server stamps the sender number, republishes the target
// list untouched to the whole room, and receivers drop frames that do not
// name them. The oversized function name is refused by the encoder before
// it ever reaches the wire.
func TestTargetedRPCRoutesToListedClientsOnly(t *testing.T) {
	st := startStack(t, stackOptions{
		hub: hub.Config{ClientTimeout: 30 * time.Second},
	})

	c1 := st.connect(t, "stage", testApp, "dev-1")
	c1.join(1)
	c2 := st.connect(t, "stage", testApp, "dev-2")
	c2.join(2)
	c3 := st.connect(t, "stage", testApp, "dev-3")
	c3.join(3)

	sink2 := st.subscribe(t, "stage")
	sink3 := st.subscribe(t, "stage")

	// The sender claims a bogus number; the server must overwrite it with
	// the registry's mapping for the connection.
	c1.send(&protocol.RPCTargeted{
		SenderClientNo: 99,
		Targets:        []uint16{3},
		Function:       "Ping",
		ArgumentsJSON:  "[]",
	})
	waitFor(t, "targeted rpc fan-out", func() bool {
		return sink2.count(protocol.KindRPCTargeted) == 1 && sink3.count(protocol.KindRPCTargeted) == 1
	})

	got2 := sink2.message(t, protocol.KindRPCTargeted, 0).(*protocol.RPCTargeted)
	got3 := sink3.message(t, protocol.KindRPCTargeted, 0).(*protocol.RPCTargeted)
	for _, got := range []*protocol.RPCTargeted{got2, got3} {
		if got.SenderClientNo != 1 {
			t.Errorf("sender = %d, want stamped 1", got.SenderClientNo)
		}
		if !slices.Equal(got.Targets, []uint16{3}) {
			t.Errorf("targets = %v, want [3]", got.Targets)
		}
		if got.Function != "Ping" || got.ArgumentsJSON != "[]" {
			t.Errorf("call = %s(%s), want Ping([])", got.Function, got.ArgumentsJSON)
		}
	}

	// Receivers filter on their own number: client 3 executes, client 2
	// drops the frame.
	if !slices.Contains(got3.Targets, uint16(3)) {
		t.Error("client 3 is listed and must accept the call")
	}
	if slices.Contains(got2.Targets, uint16(2)) {
		t.Error("client 2 is not listed and must drop the call")
	}
	if got := counterValue(t, st.collector.RPCRouted.WithLabelValues("targeted")); got != 1 {
		t.Errorf("routed targeted = %v, want 1", got)
	}

	// Function names are length-prefixed with a single byte on the wire.
	_, err := protocol.Encode(&protocol.RPCTargeted{
		SenderClientNo: 1,
		Targets:        []uint16{3},
		Function:       strings.Repeat("p", 256),
		ArgumentsJSON:  "[]",
	})
	if !errors.Is(err, protocol.ErrStringTooLong) {
		t.Errorf("encode oversized function: %v, want ErrStringTooLong", err)
	}
}
