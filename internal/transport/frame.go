// Package transport carries netsync frames over websocket connections. The
// ingress endpoint is the request side: each client connection sends framed
// messages starting with its Hello. The egress endpoint is the publish
// side: clients subscribe to room topics and receive every frame the hub
// fans out on them.
//
// Every websocket binary message is one frame: a topic length byte, the
// topic, and the protocol body starting with its kind tag.
package transport

import (
	"errors"
	"fmt"
	"math"
)

// MaxTopicLen is the longest topic (room ID) a frame can address.
const MaxTopicLen = math.MaxUint8

// Subscription control opcodes. An egress client sends a frame whose body
// is exactly one of these bytes to change its topic set.
const (
	OpSubscribe   = 0x01
	OpUnsubscribe = 0x02
)

var (
	// ErrTopicTooLong means the topic does not fit the length prefix.
	ErrTopicTooLong = errors.New("topic too long")

	// ErrShortFrame means the frame ends before topic and body are complete.
	ErrShortFrame = errors.New("short frame")

	// ErrEmptyTopic means the frame carries no topic.
	ErrEmptyTopic = errors.New("empty topic")
)

// AppendFrame appends one wire frame to dst and returns the result.
func AppendFrame(dst []byte, topic string, body []byte) ([]byte, error) {
	if len(topic) == 0 {
		return dst, ErrEmptyTopic
	}
	if len(topic) > MaxTopicLen {
		return dst, fmt.Errorf("%d bytes: %w", len(topic), ErrTopicTooLong)
	}
	dst = append(dst, byte(len(topic)))
	dst = append(dst, topic...)
	return append(dst, body...), nil
}

// SplitFrame separates a wire frame into its topic and body. The body
// aliases the input; callers that retain it past the next read must copy.
func SplitFrame(frame []byte) (string, []byte, error) {
	if len(frame) == 0 {
		return "", nil, ErrShortFrame
	}
	topicLen := int(frame[0])
	if topicLen == 0 {
		return "", nil, ErrEmptyTopic
	}
	if len(frame) < 1+topicLen+1 {
		return "", nil, fmt.Errorf("%d bytes with %d-byte topic: %w", len(frame), topicLen, ErrShortFrame)
	}
	return string(frame[1 : 1+topicLen]), frame[1+topicLen:], nil
}
