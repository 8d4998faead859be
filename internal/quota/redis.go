package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyTTL keeps daily keys around long enough for analytics to read
// yesterday's count before Redis drops it.
const keyTTL = 48 * time.Hour

// RedisCounter is a Counter backed by Redis, shared across gateway
// replicas. Keys are scoped to the UTC day so rollover is implicit.
type RedisCounter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCounter creates a Counter on an existing Redis client.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "aidispatch"
	}
	return &RedisCounter{client: client, prefix: prefix, now: time.Now}
}

func (c *RedisCounter) key(tenantID string) string {
	// Hash tag keeps a tenant's keys on one cluster node.
	return fmt.Sprintf("%s:quota:{%s}:%s", c.prefix, tenantID, dayKey(c.now()))
}

func (c *RedisCounter) Increment(ctx context.Context, tenantID string) (int64, error) {
	key := c.key(tenantID)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment quota: %w", err)
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Count(ctx context.Context, tenantID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
