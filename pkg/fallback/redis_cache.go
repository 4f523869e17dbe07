package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache mirrors successful primary results into Redis so one
// instance's success can serve another instance's fallback. Values must
// be JSON-marshalable.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	if namespace == "" {
		namespace = "fallback-cache"
	}
	return &RedisCache{client: client, namespace: namespace}
}

type redisCacheEnvelope struct {
	Data       json.RawMessage `json:"data"`
	InsertedAt time.Time       `json:"inserted_at"`
	TTLMillis  int64           `json:"ttl_ms"`
}

func (c *RedisCache) key(fingerprint string) string {
	return fmt.Sprintf("%s:%s", c.namespace, fingerprint)
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (interface{}, time.Time, time.Duration, bool) {
	raw, err := c.client.Get(ctx, c.key(fingerprint)).Result()
	if err != nil {
		return nil, time.Time{}, 0, false
	}
	var env redisCacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, time.Time{}, 0, false
	}
	var data interface{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, time.Time{}, 0, false
	}
	return data, env.InsertedAt, time.Duration(env.TTLMillis) * time.Millisecond, true
}

func (c *RedisCache) Put(ctx context.Context, fingerprint string, data interface{}, ttl time.Duration) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	env := redisCacheEnvelope{Data: payload, InsertedAt: time.Now(), TTLMillis: ttl.Milliseconds()}
	encoded, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.key(fingerprint), encoded, ttl)
}
