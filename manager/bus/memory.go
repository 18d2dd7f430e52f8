package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus for tests and single-node development.
// Each queue is a buffered channel; a handler error requeues the message
// after a short delay, mimicking bus-level redelivery with backoff.
type MemoryBus struct {
	bindings []Binding
	queues   map[string]chan Message

	requeueDelay time.Duration

	mu     sync.Mutex
	closed bool
}

func NewMemoryBus(bindings []Binding) *MemoryBus {
	b := &MemoryBus{
		bindings:     bindings,
		queues:       make(map[string]chan Message),
		requeueDelay: 100 * time.Millisecond,
	}
	for _, bind := range bindings {
		if _, ok := b.queues[bind.Queue]; !ok {
			b.queues[bind.Queue] = make(chan Message, 256)
		}
	}
	return b
}

func (b *MemoryBus) Publish(ctx context.Context, routingKey string, body []byte) error {
	for _, bind := range b.bindings {
		if !MatchPattern(bind.Pattern, routingKey) {
			continue
		}
		msg := Message{
			Queue:      bind.Queue,
			RoutingKey: routingKey,
			DeliveryID: uuid.NewString(),
			Body:       body,
		}
		select {
		case b.queues[bind.Queue] <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, queue string, h Handler) error {
	ch, ok := b.queues[queue]
	if !ok {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := h(ctx, msg); err != nil {
				// Redelivery gets a new delivery id, like a real bus.
				go func(m Message) {
					time.Sleep(b.requeueDelay)
					m.DeliveryID = uuid.NewString()
					select {
					case ch <- m:
					case <-ctx.Done():
					}
				}(msg)
			}
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
