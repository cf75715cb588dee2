package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis connection.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis cache. prefix namespaces the keys so the cache
// can share a database with the job queue.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "npmsync:cache:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

var _ Cache = (*Redis)(nil)
