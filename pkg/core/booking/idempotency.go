package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore binds idempotency keys to reservation ids.
type IdempotencyStore interface {
	// Remember binds key to reservationID unless it is already bound, and
	// returns the id the key is bound to.
	Remember(ctx context.Context, key, reservationID string) (string, error)
}

type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]string)}
}

func (m *MemoryIdempotency) Remember(_ context.Context, key, reservationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[key]; ok {
		return id, nil
	}
	m.keys[key] = reservationID
	return reservationID, nil
}

// RedisIdempotency shares the key table across replicas with SET NX.
type RedisIdempotency struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotency(client redis.UniversalClient, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisIdempotency{client: client, prefix: "vai-host:booking:idem:", ttl: ttl}
}

func (r *RedisIdempotency) Remember(ctx context.Context, key, reservationID string) (string, error) {
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, reservationID, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return reservationID, nil
	}
	id, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two commands; try once more.
		if ok, err := r.client.SetNX(ctx, k, reservationID, r.ttl).Result(); err == nil && ok {
			return reservationID, nil
		}
		return "", fmt.Errorf("redis idempotency key %s vanished", key)
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return id, nil
}
