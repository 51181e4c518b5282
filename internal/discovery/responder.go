// Package discovery answers UDP broadcast probes from headsets looking for
// a server on the local network. A well-formed probe carrying a permitted
// application ID gets back a connect string naming the request and publish
// ports; everything else gets silence, so the responder leaks nothing to
// scanners.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
)

// Probe grammar: STYLY-NETSYNC|discover|appId=<ID>|proto=<N>.
const (
	probeMagic = "STYLY-NETSYNC"
	probeVerb  = "discover"

	// maxProbeSize bounds a single datagram read. Probes are one short
	// line; anything larger is garbage.
	maxProbeSize = 512
)

var errNotUDP = errors.New("listen returned non-UDP connection")

// AppIDChecker decides whether an application ID may see this server. The
// hub's handshake gate satisfies it, so discovery and handshake always
// agree.
type AppIDChecker interface {
	Allowed(appID string) bool
}

// Config carries the responder's port and the connect string contents.
type Config struct {
	Port       int
	DealerPort int
	PubPort    int
	ServerName string
}

// Responder owns the discovery socket. Listen binds it, Run serves it.
type Responder struct {
	logger  *slog.Logger
	metrics *netmetrics.Collector
	gate    AppIDChecker
	cfg     Config

	// reply is fixed for the life of the process.
	reply []byte

	conn *net.UDPConn
}

// NewResponder builds a responder. The reply payload is assembled once up
// front since nothing in it changes at runtime.
func NewResponder(logger *slog.Logger, collector *netmetrics.Collector, gate AppIDChecker, cfg Config) *Responder {
	return &Responder{
		logger:  logger.With(slog.String("component", "discovery")),
		metrics: collector,
		gate:    gate,
		cfg:     cfg,
		reply:   fmt.Appendf(nil, "%s|%d|%d|%s", probeMagic, cfg.DealerPort, cfg.PubPort, cfg.ServerName),
	}
}

// Listen binds the UDP socket with SO_REUSEADDR so a restarting server can
// grab the port back immediately. Kept separate from Run so the daemon can
// fail fast on a bind conflict before starting any loops.
func (r *Responder) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("discovery listen :%d: %w", r.cfg.Port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return errNotUDP
	}
	r.conn = conn
	return nil
}

// Addr reports the bound address. Valid only after Listen.
func (r *Responder) Addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run answers probes until ctx is cancelled. Read errors are logged and
// skipped; only cancellation stops the loop.
func (r *Responder) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	r.logger.Info("discovery responder listening",
		slog.String("addr", r.Addr().String()),
		slog.Int("dealer_port", r.cfg.DealerPort),
		slog.Int("pub_port", r.cfg.PubPort))

	buf := make([]byte, maxProbeSize)
	for {
		n, addr, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("probe read error", slog.Any("error", err))
			continue
		}
		r.handleProbe(buf[:n], addr)
	}
}

func (r *Responder) handleProbe(payload []byte, addr netip.AddrPort) {
	appID, ok := parseProbe(payload)
	if !ok {
		// Not a current-format probe. Legacy and junk datagrams get no
		// reply and no counter; broadcast ports attract noise.
		r.logger.Debug("malformed probe dropped", slog.String("remote", addr.String()))
		return
	}
	if appID == "" {
		r.metrics.DiscoveryAppIDMissing.Inc()
		r.logger.Warn("probe without appId denied", slog.String("remote", addr.String()))
		return
	}
	if !r.gate.Allowed(appID) {
		r.metrics.DiscoveryDenied.Inc()
		r.logger.Warn("probe denied by identity gate",
			slog.String("remote", addr.String()),
			slog.String("app_id", appID))
		return
	}

	if _, err := r.conn.WriteToUDPAddrPort(r.reply, addr); err != nil {
		r.logger.Warn("reply send failed",
			slog.String("remote", addr.String()),
			slog.Any("error", err))
		return
	}
	r.metrics.DiscoveryAllowed.Inc()
	r.logger.Debug("probe answered",
		slog.String("remote", addr.String()),
		slog.String("app_id", appID))
}

// parseProbe validates a discovery datagram and extracts its appId. ok is
// false for anything that is not a current-format probe, legacy forms
// included. An empty appId parses fine; the caller denies it.
func parseProbe(payload []byte) (appID string, ok bool) {
	fields := strings.Split(strings.TrimSpace(string(payload)), "|")
	if len(fields) != 4 || fields[0] != probeMagic || fields[1] != probeVerb {
		return "", false
	}
	appID, found := strings.CutPrefix(fields[2], "appId=")
	if !found {
		return "", false
	}
	proto, found := strings.CutPrefix(fields[3], "proto=")
	if !found {
		return "", false
	}
	if _, err := strconv.Atoi(proto); err != nil {
		return "", false
	}
	return appID, true
}
