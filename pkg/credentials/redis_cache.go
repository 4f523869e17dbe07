package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRevocationCache mirrors the revoked flag into Redis so Revoke on one
// service instance becomes visible to Validate on every other instance
// within CacheTTL. Absence of the key (expired or never
// set) is a cache miss, not "not revoked" - Store.isRevoked falls back to
// the repository value and repopulates the cache on a miss.
type RedisRevocationCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisRevocationCache(client *redis.Client, namespace string) *RedisRevocationCache {
	if namespace == "" {
		namespace = "cred-revocation"
	}
	return &RedisRevocationCache{client: client, namespace: namespace}
}

func (c *RedisRevocationCache) key(serviceName string) string {
	return fmt.Sprintf("%s:%s", c.namespace, serviceName)
}

func (c *RedisRevocationCache) IsRevoked(ctx context.Context, serviceName string) (known bool, revoked bool, err error) {
	val, err := c.client.Get(ctx, c.key(serviceName)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, val == "1", nil
}

func (c *RedisRevocationCache) SetRevoked(ctx context.Context, serviceName string, revoked bool, ttl time.Duration) error {
	val := "0"
	if revoked {
		val = "1"
	}
	return c.client.Set(ctx, c.key(serviceName), val, ttl).Err()
}
