// Package commands implements the netsyncctl CLI commands.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// requestTimeout bounds every bridge call.
const requestTimeout = 10 * time.Second

// errBridge is returned when the bridge answers with an error payload.
var errBridge = errors.New("bridge error")

// bridgeClient is a thin JSON client for the netsyncd management bridge.
type bridgeClient struct {
	base string
	hc   *http.Client
}

func newBridgeClient(addr string) *bridgeClient {
	return &bridgeClient{
		base: "http://" + addr,
		hc:   &http.Client{Timeout: requestTimeout},
	}
}

// --- View types mirroring the bridge JSON contract ---

// roomView is one entry of the bridge's room list.
type roomView struct {
	ID            string    `json:"id"`
	Clients       int       `json:"clients"`
	Mapped        int       `json:"mapped"`
	Dirty         bool      `json:"dirty"`
	LastBroadcast time.Time `json:"lastBroadcast"`
	EmptySince    time.Time `json:"emptySince,omitzero"`
}

// memberView is one joined client in a room detail.
type memberView struct {
	ClientNo   uint16    `json:"clientNo"`
	DeviceID   string    `json:"deviceId"`
	Stealth    bool      `json:"stealth"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// roomDetailView is the bridge's room detail payload.
type roomDetailView struct {
	roomView
	Members []memberView `json:"members"`
}

// varView is one network variable.
type varView struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Timestamp  float64 `json:"timestamp"`
	LastWriter uint16  `json:"lastWriter"`
}

// clientVarsView is one client's variable bucket.
type clientVarsView struct {
	ClientNo uint16    `json:"clientNo"`
	Vars     []varView `json:"vars"`
}

// --- Read endpoints ---

func (c *bridgeClient) rooms(ctx context.Context) ([]roomView, error) {
	var out []roomView
	if err := c.call(ctx, http.MethodGet, "/api/v1/rooms", &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *bridgeClient) room(ctx context.Context, id string) (*roomDetailView, error) {
	out := &roomDetailView{}
	if err := c.call(ctx, http.MethodGet, roomPath(id), out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *bridgeClient) globals(ctx context.Context, room string) ([]varView, error) {
	var out []varView
	if err := c.call(ctx, http.MethodGet, roomPath(room)+"/globals", &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *bridgeClient) clientVars(ctx context.Context, room string) ([]clientVarsView, error) {
	var out []clientVarsView
	if err := c.call(ctx, http.MethodGet, roomPath(room)+"/clients", &out); err != nil {
		return nil, err
	}

	return out, nil
}

// --- Preseed endpoints ---

func (c *bridgeClient) setGlobal(ctx context.Context, room, name, value string) (string, error) {
	return c.mutate(ctx, http.MethodPost, roomPath(room)+"/globals/"+url.PathEscape(name), value)
}

func (c *bridgeClient) deleteGlobal(ctx context.Context, room, name string) (string, error) {
	return c.mutate(ctx, http.MethodDelete, roomPath(room)+"/globals/"+url.PathEscape(name), "")
}

func (c *bridgeClient) setClientVar(ctx context.Context, room string, clientNo uint16, name, value string) (string, error) {
	return c.mutate(ctx, http.MethodPost, clientVarPath(room, clientNo, name), value)
}

func (c *bridgeClient) deleteClientVar(ctx context.Context, room string, clientNo uint16, name string) (string, error) {
	return c.mutate(ctx, http.MethodDelete, clientVarPath(room, clientNo, name), "")
}

func roomPath(room string) string {
	return "/api/v1/rooms/" + url.PathEscape(room)
}

func clientVarPath(room string, clientNo uint16, name string) string {
	return fmt.Sprintf("%s/clients/%d/vars/%s", roomPath(room), clientNo, url.PathEscape(name))
}

// --- HTTP plumbing ---

// call performs a read request, decoding the JSON success payload into out.
func (c *bridgeClient) call(ctx context.Context, method, path string, out any) error {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// mutate performs a write request and returns the engine's result string.
// The bridge answers rejected writes with 409 and the same result payload,
// so a losing last-write-wins race is reported, not treated as a failure.
func (c *bridgeClient) mutate(ctx context.Context, method, path, value string) (string, error) {
	var body []byte
	if method == http.MethodPost {
		data, err := json.Marshal(struct {
			Value string `json:"value"`
		}{Value: value})
		if err != nil {
			return "", fmt.Errorf("encode request: %w", err)
		}
		body = data
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return "", c.errorFrom(resp)
	}

	var result struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}

	return result.Result, nil
}

func (c *bridgeClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	return resp, nil
}

// errorFrom extracts the bridge's error message from a failed response.
func (c *bridgeClient) errorFrom(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%w: %s (%s)", errBridge, e.Error, resp.Status)
	}

	return fmt.Errorf("%w: %s", errBridge, resp.Status)
}
