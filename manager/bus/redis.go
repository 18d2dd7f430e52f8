package bus

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelcloud/kestrel/manager/observability"
)

const (
	streamPrefix  = "kestrel:queue:"
	consumerGroup = "kestrel"

	// reclaimIdle is how long a delivery may sit unacknowledged before it
	// is reclaimed for redelivery.
	reclaimIdle = 30 * time.Second
)

// RedisBus implements Bus on Redis Streams. Each bound queue is one stream;
// Publish XADDs into every stream whose binding pattern matches the routing
// key. A consumer group per stream gives at-least-once delivery: messages
// are XACKed only after the handler returns nil, and unacknowledged entries
// are reclaimed with XAUTOCLAIM.
type RedisBus struct {
	client   *redis.Client
	bindings []Binding
	consumer string
}

func NewRedisBus(addr, password string, db int, bindings []Binding) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	b := &RedisBus{
		client:   client,
		bindings: bindings,
		consumer: "kestrel-" + uuid.NewString(),
	}

	// Create the consumer groups up front; BUSYGROUP means another
	// instance got there first.
	for _, bind := range bindings {
		err := client.XGroupCreateMkStream(ctx, streamPrefix+bind.Queue, consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, err
		}
	}
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, routingKey string, body []byte) error {
	for _, bind := range b.bindings {
		if !MatchPattern(bind.Pattern, routingKey) {
			continue
		}
		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + bind.Queue,
			Values: map[string]interface{}{
				"key":  routingKey,
				"body": body,
			},
		}).Err()
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBus) Consume(ctx context.Context, queue string, h Handler) error {
	stream := streamPrefix + queue
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Reclaim entries another (or a crashed) consumer left pending.
		b.reclaim(ctx, queue, stream, h)

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[BUS] read on %s failed: %v", queue, err)
			time.Sleep(time.Second)
			continue
		}

		for _, str := range res {
			for _, entry := range str.Messages {
				b.handle(ctx, queue, stream, entry, h)
			}
		}
	}
}

func (b *RedisBus) reclaim(ctx context.Context, queue, stream string, h Handler) {
	entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: b.consumer,
		MinIdle:  reclaimIdle,
		Start:    "0",
		Count:    16,
	}).Result()
	if err != nil || len(entries) == 0 {
		return
	}
	observability.EventRedeliveries.WithLabelValues(queue).Add(float64(len(entries)))
	for _, entry := range entries {
		b.handle(ctx, queue, stream, entry, h)
	}
}

func (b *RedisBus) handle(ctx context.Context, queue, stream string, entry redis.XMessage, h Handler) {
	msg := Message{
		Queue:      queue,
		DeliveryID: entry.ID,
	}
	if key, ok := entry.Values["key"].(string); ok {
		msg.RoutingKey = key
	}
	if body, ok := entry.Values["body"].(string); ok {
		msg.Body = []byte(body)
	}

	if err := h(ctx, msg); err != nil {
		// Leave the entry pending; XAUTOCLAIM redelivers it after the
		// idle window, which is the backoff.
		log.Printf("[BUS] ⚠️ handler failed on %s (%s), leaving for redelivery: %v", queue, entry.ID, err)
		return
	}
	if err := b.client.XAck(ctx, stream, consumerGroup, entry.ID).Err(); err != nil {
		log.Printf("[BUS] ack failed on %s (%s): %v", queue, entry.ID, err)
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
