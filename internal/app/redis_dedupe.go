package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventCache is an optional fast-path cache of recently applied
// deposit event ids. It only ever short-circuits work the store would
// reject anyway, so a nil cache or an unreachable Redis degrades to
// store-only deduplication.
type RedisEventCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "nem_processor:events"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisEventCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (c *RedisEventCache) key(ethAddress, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, ethAddress, eventID)
}

// Seen reports whether the event id was recently applied for the address.
// Errors are treated as a miss.
func (c *RedisEventCache) Seen(ctx context.Context, ethAddress, eventID string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(ethAddress, eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Remember records an applied event id. Best effort; callers must only
// invoke it after the durable credit has committed.
func (c *RedisEventCache) Remember(ctx context.Context, ethAddress, eventID string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, c.key(ethAddress, eventID), 1, c.ttl)
}
