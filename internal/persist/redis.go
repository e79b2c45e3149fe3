package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voltagent/voltagent/internal/state"
)

// RedisStore persists state snapshots in Redis. Each snapshot is stored as a
// JSON value under a namespaced key, and a separate "latest" key tracks the
// most recent snapshot id for Load.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a snapshot store on the given Redis connection. The
// namespace keeps multiple orchestrators apart on a shared instance.
func NewRedisStore(opts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisStore{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// Ping verifies connectivity. Useful for health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) snapshotKey(id string) string {
	return fmt.Sprintf("voltagent:%s:snapshot:%s", r.namespace, id)
}

func (r *RedisStore) latestKey() string {
	return fmt.Sprintf("voltagent:%s:snapshot:latest", r.namespace)
}

// Save writes the snapshot and advances the latest pointer.
func (r *RedisStore) Save(ctx context.Context, snap state.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, r.snapshotKey(snap.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot to redis: %w", err)
	}
	if err := r.rdb.Set(ctx, r.latestKey(), snap.ID, 0).Err(); err != nil {
		return fmt.Errorf("failed to update latest snapshot pointer: %w", err)
	}
	return nil
}

// Load returns the snapshot the latest pointer names, or nil when no
// snapshot has been saved yet.
func (r *RedisStore) Load(ctx context.Context) (*state.Snapshot, error) {
	id, err := r.rdb.Get(ctx, r.latestKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest snapshot pointer: %w", err)
	}

	payload, err := r.rdb.Get(ctx, r.snapshotKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("latest snapshot %q is missing", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
