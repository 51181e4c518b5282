package transport

import (
	"context"
	"log/slog"
	"sync"

	netmetrics "github.com/styly-dev/netsync/internal/metrics"
	"github.com/styly-dev/netsync/internal/protocol"
)

// DefaultQueueSize bounds each topic queue when the config does not say
// otherwise.
const DefaultQueueSize = 10_000

// queuedFrame is one assembled wire frame waiting for dispatch.
type queuedFrame struct {
	frame []byte
	kind  protocol.Kind
}

// topicState holds a topic's pending frames and attached subscribers.
type topicState struct {
	queue []queuedFrame
	subs  map[*Subscriber]struct{}
}

// Publisher is the fan-out stage between the hub and egress subscribers.
//
// Publish appends to a bounded per-topic queue and never blocks. A single
// dispatch goroutine drains the queues and hands each frame to the write
// pumps of the topic's subscribers, so delivery order within a topic equals
// publish order. When a queue is full the oldest room-transform frame is
// evicted first; RPC, variable, and mapping frames are never removed, and
// may briefly push a queue past its bound.
type Publisher struct {
	logger  *slog.Logger
	metrics *netmetrics.Collector
	limit   int

	mu     sync.Mutex
	topics map[string]*topicState

	notify chan struct{}
}

// NewPublisher returns a publisher whose per-topic queues hold at most
// queueSize frames. A non-positive queueSize selects DefaultQueueSize.
func NewPublisher(logger *slog.Logger, collector *netmetrics.Collector, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		logger:  logger,
		metrics: collector,
		limit:   queueSize,
		topics:  make(map[string]*topicState),
		notify:  make(chan struct{}, 1),
	}
}

// Publish frames body for every subscriber of topic. It never blocks.
func (p *Publisher) Publish(topic string, body []byte) {
	if len(body) == 0 {
		return
	}
	frame, err := AppendFrame(make([]byte, 0, 1+len(topic)+len(body)), topic, body)
	if err != nil {
		p.logger.Error("frame rejected",
			slog.String("topic", topic),
			slog.Any("error", err))
		return
	}
	kind := protocol.Kind(body[0])

	p.mu.Lock()
	state := p.topicLocked(topic)
	if len(state.queue) >= p.limit && !p.evictLocked(state, topic, kind) {
		p.mu.Unlock()
		return
	}
	state.queue = append(state.queue, queuedFrame{frame: frame, kind: kind})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// topicLocked returns the state for topic, creating it on first use.
func (p *Publisher) topicLocked(topic string) *topicState {
	state, ok := p.topics[topic]
	if !ok {
		state = &topicState{subs: make(map[*Subscriber]struct{})}
		p.topics[topic] = state
	}
	return state
}

// evictLocked makes room in a full queue. The oldest room-transform frame
// goes first. When the queue holds none and the incoming frame is itself a
// transform, the incoming frame is the one dropped and evictLocked reports
// false. Protected kinds are always admitted.
func (p *Publisher) evictLocked(state *topicState, topic string, incoming protocol.Kind) bool {
	for i := range state.queue {
		if state.queue[i].kind == protocol.KindRoomTransform {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			p.metrics.IncDropped(topic)
			return true
		}
	}
	if incoming == protocol.KindRoomTransform {
		p.metrics.IncDropped(topic)
		return false
	}
	return true
}

// Run dispatches queued frames until ctx is cancelled. Frames still queued
// at cancellation are discarded.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.notify:
			p.dispatch()
		}
	}
}

// dispatch drains every topic queue that has pending frames. Frames
// published while a batch is in flight re-arm the notify channel, so none
// are stranded.
func (p *Publisher) dispatch() {
	for {
		p.mu.Lock()
		var topic string
		var state *topicState
		for t, s := range p.topics {
			if len(s.queue) > 0 {
				topic, state = t, s
				break
			}
		}
		if state == nil {
			p.mu.Unlock()
			return
		}
		frames := state.queue
		state.queue = nil
		subs := make([]*Subscriber, 0, len(state.subs))
		for s := range state.subs {
			subs = append(subs, s)
		}
		if len(subs) == 0 {
			p.dropIfIdleLocked(topic, state)
		}
		p.mu.Unlock()

		for _, q := range frames {
			p.metrics.IncPublished(topic)
			for _, s := range subs {
				if !s.trySend(q.frame) {
					p.logger.Debug("subscriber buffer full, frame dropped",
						slog.String("topic", topic))
				}
			}
		}
	}
}

// Subscribe attaches sub to topic. Frames published afterwards reach it.
func (p *Publisher) Subscribe(sub *Subscriber, topic string) {
	if topic == "" || len(topic) > MaxTopicLen {
		return
	}
	p.mu.Lock()
	state := p.topicLocked(topic)
	if _, ok := state.subs[sub]; !ok {
		state.subs[sub] = struct{}{}
		sub.topics[topic] = struct{}{}
		p.metrics.RegisterSubscriber(topic)
	}
	p.mu.Unlock()
}

// Unsubscribe detaches sub from topic.
func (p *Publisher) Unsubscribe(sub *Subscriber, topic string) {
	p.mu.Lock()
	if state, ok := p.topics[topic]; ok {
		if _, had := state.subs[sub]; had {
			delete(state.subs, sub)
			delete(sub.topics, topic)
			p.metrics.UnregisterSubscriber(topic)
			p.dropIfIdleLocked(topic, state)
		}
	}
	p.mu.Unlock()
}

// Detach removes sub from every topic it subscribed to. Called once when
// its connection closes.
func (p *Publisher) Detach(sub *Subscriber) {
	p.mu.Lock()
	for topic := range sub.topics {
		if state, ok := p.topics[topic]; ok {
			delete(state.subs, sub)
			p.metrics.UnregisterSubscriber(topic)
			p.dropIfIdleLocked(topic, state)
		}
	}
	clear(sub.topics)
	p.mu.Unlock()
}

// dropIfIdleLocked frees a topic entry that has nothing queued and nobody
// listening, so destroyed rooms do not accumulate.
func (p *Publisher) dropIfIdleLocked(topic string, state *topicState) {
	if len(state.queue) == 0 && len(state.subs) == 0 {
		delete(p.topics, topic)
	}
}
