package bridge_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/styly-dev/netsync/internal/bridge"
	"github.com/styly-dev/netsync/internal/hub"
	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/protocol"
)

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) {}

// newBridgeServer wires a real hub behind the bridge router.
func newBridgeServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := netmetrics.NewCollector(prometheus.NewRegistry())
	engine := netvar.New(logger, collector, nopPublisher{}, netvar.Config{})
	h := hub.New(logger, collector, engine, nopPublisher{}, hub.NewAppIDGate(nil), hub.Config{})
	srv := httptest.NewServer(bridge.New(logger, h).Router())
	t.Cleanup(srv.Close)
	return h, srv
}

// joinRoom pushes a hello and one visible pose through the ingress path so
// the registry has a real member.
func joinRoom(t *testing.T, h *hub.Hub, connID uint64, room, deviceID string) {
	t.Helper()
	hello, err := protocol.Encode(&protocol.Hello{AppID: "com.example.gallery", DeviceID: deviceID})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := h.HandleFrame(connID, room, hello); err != nil {
		t.Fatalf("hello frame: %v", err)
	}
	pose, err := protocol.Encode(&protocol.ClientTransform{
		DeviceID: deviceID,
		Pose:     protocol.PoseSet{Physical: protocol.Transform{PosX: 1}},
	})
	if err != nil {
		t.Fatalf("encode pose: %v", err)
	}
	if err := h.HandleFrame(connID, room, pose); err != nil {
		t.Fatalf("pose frame: %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode GET %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode POST %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func doDelete(t *testing.T, url string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode DELETE %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type resultBody struct {
	Result string `json:"result"`
}

type varBody struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Timestamp  float64 `json:"timestamp"`
	LastWriter uint16  `json:"lastWriter"`
}

type clientVarsBody struct {
	ClientNo uint16    `json:"clientNo"`
	Vars     []varBody `json:"vars"`
}

// TestHealthz verifies the liveness endpoint shape.
func TestHealthz(t *testing.T) {
	t.Parallel()

	_, srv := newBridgeServer(t)

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Version == "" {
		t.Errorf("version is empty")
	}
}

// TestRoomsListAndDetail verifies the inspection endpoints against a live
// member that joined through the ingress path.
func TestRoomsListAndDetail(t *testing.T) {
	t.Parallel()

	h, srv := newBridgeServer(t)
	joinRoom(t, h, 1, "gallery-1", "hmd-alpha")

	var rooms []struct {
		ID      string `json:"id"`
		Clients int    `json:"clients"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/rooms", &rooms); code != http.StatusOK {
		t.Fatalf("rooms status = %d, want 200", code)
	}
	if len(rooms) != 1 || rooms[0].ID != "gallery-1" || rooms[0].Clients != 1 {
		t.Fatalf("rooms = %+v, want one gallery-1 with one client", rooms)
	}

	var detail struct {
		ID      string `json:"id"`
		Members []struct {
			ClientNo uint16 `json:"clientNo"`
			DeviceID string `json:"deviceId"`
		} `json:"members"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/rooms/gallery-1", &detail); code != http.StatusOK {
		t.Fatalf("room detail status = %d, want 200", code)
	}
	if len(detail.Members) != 1 || detail.Members[0].DeviceID != "hmd-alpha" || detail.Members[0].ClientNo != 1 {
		t.Fatalf("members = %+v, want hmd-alpha as client 1", detail.Members)
	}

	if code := getJSON(t, srv.URL+"/api/v1/rooms/nowhere", nil); code != http.StatusNotFound {
		t.Errorf("unknown room status = %d, want 404", code)
	}
}

// TestGlobalPreseedRoundTrip verifies set, duplicate no-op, list, and
// delete on the global variable endpoints, all before any client joined.
func TestGlobalPreseedRoundTrip(t *testing.T) {
	t.Parallel()

	_, srv := newBridgeServer(t)
	base := srv.URL + "/api/v1/rooms/gallery-1/globals"

	var res resultBody
	if code := postJSON(t, base+"/theme", `{"value":"nebula"}`, &res); code != http.StatusOK {
		t.Fatalf("set status = %d, want 200", code)
	}
	if res.Result != "applied" {
		t.Fatalf("set result = %q, want applied", res.Result)
	}

	// Same value again: deduplicated, not rewritten.
	if code := postJSON(t, base+"/theme", `{"value":"nebula"}`, &res); code != http.StatusOK {
		t.Fatalf("repeat set status = %d, want 200", code)
	}
	if res.Result != "noop" {
		t.Errorf("repeat set result = %q, want noop", res.Result)
	}

	var vars []varBody
	if code := getJSON(t, base, &vars); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(vars) != 1 || vars[0].Name != "theme" || vars[0].Value != "nebula" || vars[0].LastWriter != 0 {
		t.Fatalf("globals = %+v, want theme=nebula by writer 0", vars)
	}

	if code := doDelete(t, base+"/theme", &res); code != http.StatusOK || res.Result != "applied" {
		t.Fatalf("delete = %d %q, want 200 applied", code, res.Result)
	}
	if code := doDelete(t, base+"/ghost", &res); code != http.StatusOK || res.Result != "noop" {
		t.Fatalf("delete missing = %d %q, want 200 noop", code, res.Result)
	}

	vars = nil
	getJSON(t, base, &vars)
	if len(vars) != 0 {
		t.Errorf("globals after delete = %+v, want empty", vars)
	}
}

// TestClientVarPreseed verifies the per-client variable endpoints.
func TestClientVarPreseed(t *testing.T) {
	t.Parallel()

	_, srv := newBridgeServer(t)
	base := srv.URL + "/api/v1/rooms/plaza-9"

	var res resultBody
	if code := postJSON(t, base+"/clients/7/vars/skin", `{"value":"gold"}`, &res); code != http.StatusOK {
		t.Fatalf("set status = %d, want 200", code)
	}
	if res.Result != "applied" {
		t.Fatalf("set result = %q, want applied", res.Result)
	}

	var clients []clientVarsBody
	if code := getJSON(t, base+"/clients", &clients); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(clients) != 1 || clients[0].ClientNo != 7 {
		t.Fatalf("client vars = %+v, want bucket for client 7", clients)
	}
	if len(clients[0].Vars) != 1 || clients[0].Vars[0].Name != "skin" || clients[0].Vars[0].Value != "gold" {
		t.Fatalf("client 7 vars = %+v, want skin=gold", clients[0].Vars)
	}

	if code := doDelete(t, base+"/clients/7/vars/skin", &res); code != http.StatusOK || res.Result != "applied" {
		t.Fatalf("delete = %d %q, want 200 applied", code, res.Result)
	}
}

// TestBadRequests verifies the input validation paths.
func TestBadRequests(t *testing.T) {
	t.Parallel()

	_, srv := newBridgeServer(t)

	if code := postJSON(t, srv.URL+"/api/v1/rooms/r/clients/banana/vars/skin", `{"value":"x"}`, nil); code != http.StatusBadRequest {
		t.Errorf("bad client number status = %d, want 400", code)
	}
	if code := postJSON(t, srv.URL+"/api/v1/rooms/r/clients/70000/vars/skin", `{"value":"x"}`, nil); code != http.StatusBadRequest {
		t.Errorf("oversize client number status = %d, want 400", code)
	}
	if code := postJSON(t, srv.URL+"/api/v1/rooms/r/globals/theme", `{"value":`, nil); code != http.StatusBadRequest {
		t.Errorf("truncated body status = %d, want 400", code)
	}
}
