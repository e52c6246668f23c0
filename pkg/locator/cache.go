package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "locator:addr:"

// RedisCache keeps the last good address of each service in Redis so lookups
// survive a registry outage.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Resolve(ctx context.Context, service string) (Address, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+service).Bytes()
	if errors.Is(err, redis.Nil) {
		return Address{}, fmt.Errorf("%s not cached: %w", service, ErrServiceNotFound)
	}
	if err != nil {
		return Address{}, fmt.Errorf("failed to read cached address: %w", err)
	}
	var a Address
	if err := json.Unmarshal(raw, &a); err != nil {
		return Address{}, fmt.Errorf("failed to decode cached address: %w", err)
	}
	return a, nil
}

// Store records a freshly resolved address.
func (c *RedisCache) Store(ctx context.Context, service string, a Address) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+service, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache address: %w", err)
	}
	return nil
}
