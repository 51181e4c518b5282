package transport

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
)

// maxIngressFrame caps inbound message size. Protocol bodies stay far
// below this even at the virtual-transform limit.
const maxIngressFrame = 1 << 20

// Handler consumes ingress frames. HandleFrame runs on the connection's
// read goroutine; returning a non-nil error closes the connection.
// ConnClosed is called exactly once after the last frame.
type Handler interface {
	HandleFrame(connID uint64, topic string, body []byte) error
	ConnClosed(connID uint64)
}

// Ingress is the request endpoint. Every accepted websocket gets a
// process-unique connection ID, which is the identity the hub tracks the
// handshake under.
type Ingress struct {
	logger   *slog.Logger
	metrics  *netmetrics.Collector
	handler  Handler
	upgrader websocket.Upgrader

	nextConn atomic.Uint64
}

// NewIngress returns an ingress endpoint feeding h.
func NewIngress(logger *slog.Logger, collector *netmetrics.Collector, h Handler) *Ingress {
	return &Ingress{
		logger:  logger,
		metrics: collector,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Unity and native headset clients send no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the /req endpoint.
func (in *Ingress) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/req", in.handleReq)
	return mux
}

func (in *Ingress) handleReq(w http.ResponseWriter, r *http.Request) {
	conn, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		in.logger.Warn("request upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.Any("error", err))
		return
	}

	connID := in.nextConn.Add(1)
	done := make(chan struct{})
	go in.ping(conn, done)
	in.readPump(conn, connID, done)
}

// readPump reads frames until the peer goes away or the handler rejects
// one. It owns connection teardown.
func (in *Ingress) readPump(conn *websocket.Conn, connID uint64, done chan struct{}) {
	defer func() {
		close(done)
		in.handler.ConnClosed(connID)
		conn.Close()
	}()

	conn.SetReadLimit(maxIngressFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		topic, body, err := SplitFrame(data)
		if err != nil {
			in.metrics.IncMalformedFrame("framing")
			in.logger.Debug("bad ingress frame",
				slog.Uint64("conn", connID),
				slog.Any("error", err))
			continue
		}
		if err := in.handler.HandleFrame(connID, topic, body); err != nil {
			in.logger.Info("closing connection",
				slog.Uint64("conn", connID),
				slog.Any("error", err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// ping keeps the liveness probe running. WriteControl is safe alongside
// the read goroutine's close message.
func (in *Ingress) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
