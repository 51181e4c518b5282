package transport

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Egress is the publish endpoint. Clients subscribe to room topics through
// the ?topics= query or with control frames, and receive every frame the
// publisher dispatches on them.
type Egress struct {
	logger   *slog.Logger
	pub      *Publisher
	upgrader websocket.Upgrader
}

// NewEgress returns an egress endpoint fed by pub.
func NewEgress(logger *slog.Logger, pub *Publisher) *Egress {
	return &Egress{
		logger: logger,
		pub:    pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the /sub endpoint.
func (e *Egress) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sub", e.handleSub)
	return mux
}

func (e *Egress) handleSub(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("subscribe upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.Any("error", err))
		return
	}

	sub := newSubscriber(conn)
	for _, topic := range initialTopics(r) {
		e.pub.Subscribe(sub, topic)
	}

	go sub.writePump()
	e.readControl(sub)
}

// initialTopics parses the optional ?topics=a,b query.
func initialTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" && len(t) <= MaxTopicLen {
			topics = append(topics, t)
		}
	}
	return topics
}

// readControl consumes subscribe and unsubscribe frames until the
// connection drops, then detaches the subscriber. Anything that is not a
// well-formed control frame is ignored.
func (e *Egress) readControl(sub *Subscriber) {
	defer func() {
		e.pub.Detach(sub)
		sub.close()
	}()

	sub.conn.SetReadLimit(maxControlFrame)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		topic, body, err := SplitFrame(data)
		if err != nil || len(body) != 1 {
			continue
		}
		switch body[0] {
		case OpSubscribe:
			e.pub.Subscribe(sub, topic)
		case OpUnsubscribe:
			e.pub.Unsubscribe(sub, topic)
		}
	}
}
