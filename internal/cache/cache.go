// Package cache is a short-TTL read-through cache of job status responses.
// It is a projection only: entries expire fast and every mutation path
// deletes the key, but correctness never depends on either. Readers always
// fall back to recomputing from the store.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds recently computed job status payloads. Implementations must be
// safe for concurrent use.
type Cache interface {
	GetJobStatus(ctx context.Context, jobID string) ([]byte, bool, error)
	SetJobStatus(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error
	DeleteJobStatus(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache implements Cache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(jobID), payload, ttl).Err()
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobStatusKey(jobID)).Err()
}

var _ Cache = (*RedisCache)(nil)
