// Package bus provides the inbound message bus: one topic exchange with
// queues bound by routing-key glob patterns. Delivery is at-least-once,
// FIFO within a queue, unordered across queues.
package bus

import (
	"context"
	"strings"
)

// Message is one delivered bus message. DeliveryID identifies the delivery
// attempt, not the logical event: a redelivered event carries a fresh
// DeliveryID, so dedup must key on event content instead.
type Message struct {
	Queue      string
	RoutingKey string
	DeliveryID string
	Body       []byte
}

// Handler processes one message. A nil return acknowledges the message; an
// error negatively acknowledges it for bus-level redelivery.
type Handler func(ctx context.Context, msg Message) error

// Binding routes every published message whose routing key matches Pattern
// into Queue.
type Binding struct {
	Queue   string
	Pattern string
}

// Bus is the exchange plus its bound queues.
type Bus interface {
	// Publish fans the message out to every queue whose binding pattern
	// matches the routing key.
	Publish(ctx context.Context, routingKey string, body []byte) error

	// Consume processes messages from one queue sequentially until ctx is
	// done. Messages are acknowledged or redelivered per the Handler's
	// return value.
	Consume(ctx context.Context, queue string, h Handler) error

	Close() error
}

// MatchPattern reports whether a dot-separated routing key matches a
// topic-exchange pattern: '*' matches exactly one word, '#' matches zero or
// more words.
func MatchPattern(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
