// netsync-bench drives synthetic load against a running netsyncd.
//
// It simulates N rooms of M clients each: every client performs the Hello
// handshake on the request endpoint and streams ClientTransform frames at
// the configured rate, while one probe client per room additionally sends
// timestamped RPCs and optional GlobalVarSet bursts. A single subscriber
// per room counts the RoomTransform broadcasts coming back and measures
// RPC round-trip times.
//
// The report prints the achieved broadcast rate per room (the adaptive
// scheduler caps it between the idle and dirty intervals) and the RPC
// round-trip percentiles.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/styly-dev/netsync/internal/protocol"
	"github.com/styly-dev/netsync/internal/transport"
	appversion "github.com/styly-dev/netsync/internal/version"
)

// probeInterval paces the timestamped RPCs used for round-trip sampling.
const probeInterval = 500 * time.Millisecond

func main() {
	os.Exit(run())
}

type benchConfig struct {
	server     string
	dealerPort int
	pubPort    int
	appID      string
	rooms      int
	clients    int
	rate       int
	nvRate     int
	duration   time.Duration
}

func parseFlags() benchConfig {
	cfg := benchConfig{}

	flag.StringVar(&cfg.server, "server", "localhost", "netsyncd host")
	flag.IntVar(&cfg.dealerPort, "dealer-port", 5555, "websocket request endpoint port")
	flag.IntVar(&cfg.pubPort, "pub-port", 5556, "websocket publish endpoint port")
	flag.StringVar(&cfg.appID, "app-id", "com.styly.bench", "appId sent in the Hello handshake")
	flag.IntVar(&cfg.rooms, "rooms", 1, "number of rooms")
	flag.IntVar(&cfg.clients, "clients", 8, "clients per room")
	flag.IntVar(&cfg.rate, "rate", 20, "transforms per second per client")
	flag.IntVar(&cfg.nvRate, "nv-rate", 0, "GlobalVarSet messages per second per room (0 disables)")
	flag.DurationVar(&cfg.duration, "duration", 30*time.Second, "how long to run")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("netsync-bench"))
		os.Exit(0)
	}

	return cfg
}

func run() int {
	cfg := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if cfg.rooms < 1 || cfg.clients < 1 || cfg.rate < 1 || cfg.duration <= 0 {
		logger.Error("rooms, clients, and rate must be >= 1 and duration > 0")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	logger.Info("netsync-bench started",
		slog.String("server", cfg.server),
		slog.Int("rooms", cfg.rooms),
		slog.Int("clients_per_room", cfg.clients),
		slog.Int("rate_hz", cfg.rate),
		slog.Duration("duration", cfg.duration),
	)

	stats := &benchStats{}
	start := time.Now()

	g, gCtx := errgroup.WithContext(runCtx)
	for r := 0; r < cfg.rooms; r++ {
		room := fmt.Sprintf("bench-room-%02d", r)
		g.Go(func() error {
			return runRoom(gCtx, cfg, room, stats, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bench exited with error", slog.String("error", err.Error()))
		return 1
	}

	printReport(cfg, stats, time.Since(start))
	return 0
}

// runRoom drives one room: a counting subscriber plus the client swarm.
func runRoom(ctx context.Context, cfg benchConfig, room string, stats *benchStats, logger *slog.Logger) error {
	sub, err := dialSubscriber(ctx, cfg, room)
	if err != nil {
		return fmt.Errorf("dial subscriber for %s: %w", room, err)
	}
	defer sub.Close()

	probeDevice := fmt.Sprintf("%s-client-000", room)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return readBroadcasts(gCtx, sub, probeDevice, stats)
	})

	for i := 0; i < cfg.clients; i++ {
		deviceID := fmt.Sprintf("%s-client-%03d", room, i)
		probe := i == 0
		g.Go(func() error {
			return runClient(gCtx, cfg, room, deviceID, probe, stats, logger)
		})
	}

	return g.Wait()
}

// -------------------------------------------------------------------------
// Subscriber side — broadcast counting and RTT sampling
// -------------------------------------------------------------------------

// probeArgs is the RPC argument payload used for round-trip sampling.
type probeArgs struct {
	Probe string `json:"probe"`
	Sent  int64  `json:"sent"`
}

// readBroadcasts counts the frames arriving on a room subscription and
// records round-trip samples for the room's own probe RPCs.
func readBroadcasts(ctx context.Context, conn *websocket.Conn, probeDevice string, stats *benchStats) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read broadcast: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		_, body, err := transport.SplitFrame(frame)
		if err != nil {
			continue
		}

		switch protocol.Kind(body[0]) {
		case protocol.KindRoomTransform:
			stats.broadcastFrames.Add(1)
		case protocol.KindRPC:
			stats.rpcFrames.Add(1)
			recordProbeRTT(body, probeDevice, stats)
		case protocol.KindSnapshot, protocol.KindDelta,
			protocol.KindGlobalVarSync, protocol.KindClientVarSync:
			stats.varFrames.Add(1)
		default:
			stats.otherFrames.Add(1)
		}
	}
}

// recordProbeRTT matches an RPC broadcast against this room's probe client
// and records the round-trip time.
func recordProbeRTT(body []byte, probeDevice string, stats *benchStats) {
	msg, err := protocol.Decode(body)
	if err != nil {
		return
	}
	rpc, ok := msg.(*protocol.RPC)
	if !ok {
		return
	}

	var args probeArgs
	if err := json.Unmarshal([]byte(rpc.ArgumentsJSON), &args); err != nil {
		return
	}
	if args.Probe != probeDevice {
		return
	}

	stats.rtt.add(time.Since(time.Unix(0, args.Sent)))
}

// -------------------------------------------------------------------------
// Client side — handshake plus transform/RPC/NV load
// -------------------------------------------------------------------------

// runClient performs the Hello handshake and streams load until ctx ends.
// The probe client additionally sends timestamped RPCs and, when enabled,
// GlobalVarSet bursts.
func runClient(
	ctx context.Context,
	cfg benchConfig,
	room, deviceID string,
	probe bool,
	stats *benchStats,
	logger *slog.Logger,
) error {
	conn, err := dialRequest(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial request for %s: %w", deviceID, err)
	}
	defer conn.Close()

	if err := sendMessage(conn, room, &protocol.Hello{AppID: cfg.appID, DeviceID: deviceID}); err != nil {
		return fmt.Errorf("hello for %s: %w", deviceID, err)
	}

	// The server never pushes data frames on the request socket, but its
	// pings must be read for gorilla to answer them.
	go discardReads(conn)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.rate))
	defer ticker.Stop()

	var probeCh, nvCh <-chan time.Time
	if probe {
		pt := time.NewTicker(probeInterval)
		defer pt.Stop()
		probeCh = pt.C

		if cfg.nvRate > 0 {
			nt := time.NewTicker(time.Second / time.Duration(cfg.nvRate))
			defer nt.Stop()
			nvCh = nt.C
		}
	}

	step := 0
	nvSeq := 0
	for {
		select {
		case <-ctx.Done():
			closeQuietly(conn)
			return nil

		case <-ticker.C:
			step++
			ct := &protocol.ClientTransform{DeviceID: deviceID, Pose: movePose(step)}
			if err := sendMessage(conn, room, ct); err != nil {
				return sendErr(ctx, deviceID, "transform", err, logger)
			}
			stats.transformsSent.Add(1)

		case <-probeCh:
			args, err := json.Marshal(probeArgs{Probe: deviceID, Sent: time.Now().UnixNano()})
			if err != nil {
				return fmt.Errorf("encode probe args: %w", err)
			}
			rpc := &protocol.RPC{Function: "bench.probe", ArgumentsJSON: string(args)}
			if err := sendMessage(conn, room, rpc); err != nil {
				return sendErr(ctx, deviceID, "rpc", err, logger)
			}
			stats.rpcsSent.Add(1)

		case <-nvCh:
			nvSeq++
			set := &protocol.GlobalVarSet{
				Name:      fmt.Sprintf("bench_var_%02d", nvSeq%10),
				Value:     strconv.Itoa(nvSeq),
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
			}
			if err := sendMessage(conn, room, set); err != nil {
				return sendErr(ctx, deviceID, "var set", err, logger)
			}
			stats.varSetsSent.Add(1)
		}
	}
}

// sendErr distinguishes a shutdown race from a real transport failure.
func sendErr(ctx context.Context, deviceID, what string, err error, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return nil
	}
	logger.Warn("send failed",
		slog.String("device", deviceID),
		slog.String("what", what),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("send %s for %s: %w", what, deviceID, err)
}

// movePose walks the client along a small circle so every tick carries a
// fresh pose and keeps the room dirty.
func movePose(step int) protocol.PoseSet {
	angle := float64(step) * 0.05
	return protocol.PoseSet{
		Physical: protocol.Transform{
			PosX: float32(2 * math.Cos(angle)),
			PosZ: float32(2 * math.Sin(angle)),
			RotY: float32(math.Mod(angle*180/math.Pi, 360)),
		},
		Head: protocol.Transform{PosY: 1.6},
	}
}

// -------------------------------------------------------------------------
// Websocket plumbing
// -------------------------------------------------------------------------

func dialRequest(ctx context.Context, cfg benchConfig) (*websocket.Conn, error) {
	u := fmt.Sprintf("ws://%s/req", net.JoinHostPort(cfg.server, strconv.Itoa(cfg.dealerPort)))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

func dialSubscriber(ctx context.Context, cfg benchConfig, room string) (*websocket.Conn, error) {
	u := fmt.Sprintf("ws://%s/sub?topics=%s",
		net.JoinHostPort(cfg.server, strconv.Itoa(cfg.pubPort)), url.QueryEscape(room))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

func sendMessage(conn *websocket.Conn, topic string, m protocol.Message) error {
	body, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %T: %w", m, err)
	}
	frame, err := transport.AppendFrame(nil, topic, body)
	if err != nil {
		return fmt.Errorf("frame for %s: %w", topic, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// discardReads drains a request socket so ping control frames are answered.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// closeQuietly sends a close frame and drops the connection.
func closeQuietly(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

// -------------------------------------------------------------------------
// Stats and report
// -------------------------------------------------------------------------

type benchStats struct {
	transformsSent  atomic.Int64
	rpcsSent        atomic.Int64
	varSetsSent     atomic.Int64
	broadcastFrames atomic.Int64
	rpcFrames       atomic.Int64
	varFrames       atomic.Int64
	otherFrames     atomic.Int64
	rtt             rttRecorder
}

// rttRecorder collects round-trip samples across all rooms.
type rttRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (r *rttRecorder) add(d time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, d)
	r.mu.Unlock()
}

func (r *rttRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// percentile returns the p-th percentile sample, or zero without samples.
func (r *rttRecorder) percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		return 0
	}

	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func printReport(cfg benchConfig, stats *benchStats, elapsed time.Duration) {
	secs := elapsed.Seconds()
	perRoomRate := float64(stats.broadcastFrames.Load()) / secs / float64(cfg.rooms)

	fmt.Printf("--- netsync-bench report ---\n")
	fmt.Printf("rooms %d, clients/room %d, rate %d Hz, elapsed %s\n",
		cfg.rooms, cfg.clients, cfg.rate, elapsed.Round(time.Millisecond))
	fmt.Printf("sent: %d transforms, %d rpcs, %d var sets\n",
		stats.transformsSent.Load(), stats.rpcsSent.Load(), stats.varSetsSent.Load())
	fmt.Printf("received: %d room broadcasts (%.1f /s/room), %d rpc frames, %d var frames, %d other\n",
		stats.broadcastFrames.Load(), perRoomRate,
		stats.rpcFrames.Load(), stats.varFrames.Load(), stats.otherFrames.Load())

	if n := stats.rtt.count(); n > 0 {
		fmt.Printf("rpc rtt: p50=%s p90=%s p99=%s (%d samples)\n",
			stats.rtt.percentile(0.50).Round(time.Microsecond),
			stats.rtt.percentile(0.90).Round(time.Microsecond),
			stats.rtt.percentile(0.99).Round(time.Microsecond),
			n)
	}
}
