// NetSync daemon -- real-time multiplayer state sync for STYLY clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/styly-dev/netsync/internal/bridge"
	"github.com/styly-dev/netsync/internal/config"
	"github.com/styly-dev/netsync/internal/discovery"
	"github.com/styly-dev/netsync/internal/hub"
	"github.com/styly-dev/netsync/internal/logging"
	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/netvar"
	"github.com/styly-dev/netsync/internal/transport"
	appversion "github.com/styly-dev/netsync/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (TOML)")
	flag.Parse()

	// 2. Load config. An empty path runs on defaults plus NETSYNC_*
	// environment overrides.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, logCloser := logging.New(cfg.Log, logLevel)
	defer logCloser.Close()

	logger.Info("netsyncd starting",
		slog.String("version", appversion.Version),
		slog.Int("dealer_port", cfg.DealerPort),
		slog.Int("pub_port", cfg.PubPort),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := netmetrics.NewCollector(reg)

	// 5. Run servers.
	if err := runServers(cfg, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("netsyncd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("netsyncd stopped")
	return 0
}

// runServers wires the frame pipeline (publisher, variable engine, hub) to
// the websocket endpoints and runs every long-lived loop under an errgroup
// with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *netmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	pub := transport.NewPublisher(logger, collector, cfg.PubQueueMaxSize)
	engine := netvar.New(logger, collector, pub, netvar.Config{
		FlushInterval:    cfg.NVFlushInterval,
		MonitorThreshold: cfg.NVMonitorThreshold,
		MaxGlobalVars:    cfg.MaxGlobalVars,
		MaxClientVars:    cfg.MaxClientVars,
		MaxNameLength:    cfg.MaxVarNameLength,
		MaxValueLength:   cfg.MaxVarValueLength,
		RingSize:         cfg.DeltaRingSize,
	})
	gate := hub.NewAppIDGate(cfg.AllowedAppIDs)
	h := hub.New(logger, collector, engine, pub, gate, hub.Config{
		BaseBroadcastInterval: cfg.BaseBroadcastInterval,
		IdleBroadcastInterval: cfg.IdleBroadcastInterval,
		DirtyThreshold:        cfg.DirtyThreshold,
		ClientTimeout:         cfg.ClientTimeout,
		DeviceIDExpiry:        cfg.DeviceIDExpiry,
		DeviceCleanupInterval: cfg.DeviceIDCleanupInterval,
		EmptyRoomExpiry:       cfg.EmptyRoomExpiry,
		SweepInterval:         cfg.SweepInterval,
		StatsInterval:         cfg.StatsInterval,
		MaxVirtualTransforms:  cfg.MaxVirtualTransforms,
	})

	reqSrv := newRequestServer(cfg.DealerPort, logger, collector, h)
	subSrv := newSubscribeServer(cfg.PubPort, logger, pub)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	servers := []*http.Server{reqSrv, subSrv, metricsSrv}

	var bridgeSrv *http.Server
	if cfg.Bridge.Enabled {
		bridgeSrv = newBridgeServer(cfg.Bridge, logger, h)
		servers = append(servers, bridgeSrv)
	}

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Discovery binds before READY so a port conflict fails startup.
	if cfg.EnableServerDiscovery {
		resp := discovery.NewResponder(logger, collector, gate, discovery.Config{
			Port:       cfg.ServerDiscoveryPort,
			DealerPort: cfg.DealerPort,
			PubPort:    cfg.PubPort,
			ServerName: cfg.ServerName,
		})
		if err := resp.Listen(gCtx); err != nil {
			logger.Error("failed to bind discovery port",
				slog.Int("port", cfg.ServerDiscoveryPort),
				slog.String("error", err.Error()),
				slog.String("hint", portHint(fmt.Sprintf(":%d", cfg.ServerDiscoveryPort))),
			)
			return fmt.Errorf("bind discovery port %d: %w", cfg.ServerDiscoveryPort, err)
		}
		g.Go(func() error {
			return resp.Run(gCtx)
		})
	}

	startCoreLoops(gCtx, g, pub, engine, h)
	startHTTPServers(gCtx, g, cfg, reqSrv, subSrv, metricsSrv, bridgeSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, gate, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startCoreLoops registers the frame pipeline goroutines: publish dispatch,
// variable delta flush, broadcast scheduling, lifecycle sweeps, and the
// periodic occupancy log line.
func startCoreLoops(
	ctx context.Context,
	g *errgroup.Group,
	pub *transport.Publisher,
	engine *netvar.Engine,
	h *hub.Hub,
) {
	g.Go(func() error { return pub.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return h.RunScheduler(ctx) })
	g.Go(func() error { return h.RunLifecycle(ctx) })
	g.Go(func() error { return h.RunStats(ctx) })
}

// startHTTPServers registers a listener goroutine per HTTP server.
// bridgeSrv may be nil when the bridge is disabled.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	reqSrv, subSrv, metricsSrv, bridgeSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("request endpoint listening",
			slog.String("addr", reqSrv.Addr),
			slog.String("path", "/req"),
		)
		return listenAndServe(ctx, &lc, reqSrv, reqSrv.Addr, logger)
	})

	g.Go(func() error {
		logger.Info("subscribe endpoint listening",
			slog.String("addr", subSrv.Addr),
			slog.String("path", "/sub"),
		)
		return listenAndServe(ctx, &lc, subSrv, subSrv.Addr, logger)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", metricsSrv.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, metricsSrv.Addr, logger)
	})

	if bridgeSrv != nil {
		g.Go(func() error {
			logger.Info("bridge server listening",
				slog.String("addr", bridgeSrv.Addr),
			)
			return listenAndServe(ctx, &lc, bridgeSrv, bridgeSrv.Addr, logger)
		})
	}
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	gate *hub.AppIDGate,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, gate, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + appId allow-list
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	gate *hub.AppIDGate,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, gate, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and applies
// the hot-reloadable settings: the log level and the appId allow-list.
// Ports, intervals, and capacity limits require a restart. Errors during
// reload are logged but do not stop the daemon -- the previous
// configuration remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	gate *hub.AppIDGate,
	logger *slog.Logger,
) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	gate.Swap(newCfg.AllowedAppIDs)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("allowed_app_ids", len(newCfg.AllowedAppIDs)),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, then
// drains the HTTP servers. Websocket connections are hijacked from the
// HTTP server and fall with the process; the lifecycle sweeps that would
// normally reap them have already stopped with the errgroup.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server %s: %w", srv.Addr, err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down. A bind failure logs the
// platform command for finding the conflicting process before returning.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string, logger *slog.Logger) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		logger.Error("failed to bind",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
			slog.String("hint", portHint(addr)),
		)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// portHint names the platform commands for locating and stopping whatever
// process holds a contested port. Servers deploy on Linux hosts and on
// Windows workstations alike, so the hint follows GOOS.
func portHint(addr string) string {
	port := addr
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port = p
	}
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("netstat -ano | findstr :%s, then taskkill /PID <pid> /F", port)
	}
	return fmt.Sprintf("lsof -i :%s, then kill <pid>", port)
}

// newRequestServer serves the websocket request endpoint (/req) where
// clients send framed messages after the Hello handshake.
func newRequestServer(port int, logger *slog.Logger, collector *netmetrics.Collector, h *hub.Hub) *http.Server {
	in := transport.NewIngress(logger, collector, h)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           in.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newSubscribeServer serves the websocket publish endpoint (/sub) where
// clients subscribe to room topics.
func newSubscribeServer(port int, logger *slog.Logger, pub *transport.Publisher) *http.Server {
	eg := transport.NewEgress(logger, pub)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           eg.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newBridgeServer creates an HTTP server for the management REST bridge.
func newBridgeServer(cfg config.BridgeConfig, logger *slog.Logger, h *hub.Hub) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           bridge.New(logger, h).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
