package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection timing shared by both endpoints.
const (
	// writeWait bounds any single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out early enough to keep healthy peers
	// inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// subscriberBuffer is each egress connection's private frame buffer
	// between the dispatcher and its write pump. A consumer that falls
	// this far behind starts losing frames.
	subscriberBuffer = 256

	// maxControlFrame bounds inbound messages on the egress socket, which
	// carries only subscription control traffic.
	maxControlFrame = 512
)

// Subscriber is the send side of one egress connection.
//
// The send channel is never closed: the dispatcher may race a departing
// connection, so shutdown is signalled on done instead and stragglers in
// the buffer are left for the collector.
type Subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	// topics is guarded by the owning publisher's mutex.
	topics map[string]struct{}

	closeOnce sync.Once
}

func newSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		conn:   conn,
		send:   make(chan []byte, subscriberBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

// trySend hands a frame to the write pump without blocking. It reports
// false when the buffer is full and the frame was not queued.
func (s *Subscriber) trySend(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close tells the write pump to shut the connection down. Safe to call
// more than once.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// writePump owns every write on the connection: queued frames, keepalive
// pings, and the final close message. It exits when close is called or a
// write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
