package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisDirectory reads executor snapshots from Redis indexes maintained by
// an external directory sync process: one JSON-encoded string key per
// executor ID, plus
// specialization and district sets for filtering. This module never writes
// these indexes - executors are externally managed, not self-registering.
type RedisDirectory struct {
	client    *redis.Client
	namespace string
}

// NewRedisDirectory builds a RedisDirectory over an existing client.
func NewRedisDirectory(client *redis.Client, namespace string) *RedisDirectory {
	return &RedisDirectory{client: client, namespace: namespace}
}

func (d *RedisDirectory) key(parts ...string) string {
	k := d.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// FindCandidates intersects the specialization and district index sets (when
// given) and loads the resulting executor snapshots.
func (d *RedisDirectory) FindCandidates(ctx context.Context, filter Filter) ([]ExecutorSnapshot, error) {
	ids, err := d.candidateIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	snapshots := make([]ExecutorSnapshot, 0, len(ids))
	for _, id := range ids {
		data, err := d.client.Get(ctx, d.key("executors", id)).Result()
		if err != nil {
			continue // executor expired or was removed between index read and fetch
		}
		var snap ExecutorSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}
		if filter.matches(snap) {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots, nil
}

func (d *RedisDirectory) candidateIDs(ctx context.Context, filter Filter) ([]string, error) {
	switch {
	case filter.Specialization != "" && filter.District != "":
		return d.client.SInter(ctx,
			d.key("by-specialization", filter.Specialization),
			d.key("by-district", filter.District),
		).Result()
	case filter.Specialization != "":
		return d.client.SMembers(ctx, d.key("by-specialization", filter.Specialization)).Result()
	case filter.District != "":
		return d.client.SMembers(ctx, d.key("by-district", filter.District)).Result()
	default:
		return d.client.SMembers(ctx, d.key("all")).Result()
	}
}
