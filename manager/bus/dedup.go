package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers logical event keys so redeliveries with fresh delivery
// ids can be recognized. Keys are content-derived, (jobID, eventType) or
// (resourceUUID, newState), never the delivery id.
//
// Seen and Mark are deliberately separate: a key is marked only after the
// event was handled successfully, so a failed handling stays eligible for
// redelivery. The small race between concurrent deliveries is covered by
// the reconciler's own idempotence; dedup is a fast path, not the
// correctness mechanism.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// RedisDeduper keeps the window in Redis so it survives process restarts
// alongside the streams themselves.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, "kestrel:dedup:"+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.Set(ctx, "kestrel:dedup:"+key, "1", ttl).Err()
}

// MemoryDeduper is the in-process fallback.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{entries: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expires, ok := d.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expires) {
		delete(d.entries, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = time.Now().Add(ttl)
	return nil
}
