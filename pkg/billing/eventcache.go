package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventCache remembers processed webhook event ids. It is a fast path
// only: a cache miss (or an unavailable cache) falls through to the
// database constraints, which remain the authority on duplicates.
type EventCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// DefaultEventTTL covers the redelivery window of both supported
// providers with margin.
const DefaultEventTTL = 72 * time.Hour

// RedisEventCache implements EventCache on Redis.
type RedisEventCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventCache(client *redis.Client, ttl time.Duration) *RedisEventCache {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventCache{client: client, ttl: ttl}
}

func (c *RedisEventCache) key(eventID string) string {
	return fmt.Sprintf("billing:webhook:%s", eventID)
}

func (c *RedisEventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event cache: %w", err)
	}
	return n > 0, nil
}

func (c *RedisEventCache) MarkSeen(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, c.key(eventID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event seen: %w", err)
	}
	return nil
}
