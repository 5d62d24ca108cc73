package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a claim only if it still belongs to the session.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaims makes call ids exclusive across replicas, so a retried
// incoming-call webhook that lands on another instance does not start a
// second session.
type RedisClaims struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisClaims stores claims for ttl, which should exceed the maximum
// call duration.
func NewRedisClaims(client redis.UniversalClient, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisClaims{client: client, prefix: "vai-host:call:", ttl: ttl}
}

func (r *RedisClaims) Claim(ctx context.Context, callID, sessionID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+callID, sessionID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisClaims) Release(ctx context.Context, callID, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + callID}, sessionID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
