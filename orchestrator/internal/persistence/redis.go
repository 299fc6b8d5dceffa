package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "orchestrator:"

// redisStore implements the Store interface using Redis
type redisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, keyPrefix string) (Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &redisStore{client: client, keyPrefix: keyPrefix}, nil
}

// newRedisClient creates a Redis client from a redis:// URI
func newRedisClient(redisURI string) (*redis.Client, error) {
	if redisURI == "" {
		return nil, errors.New("redis URI is required")
	}
	opts, err := redis.ParseURL(redisURI)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URI: %w", err)
	}
	return redis.NewClient(opts), nil
}

// formRecordsKey is the hash of record key -> JSON record
func (r *redisStore) formRecordsKey() string {
	return r.keyPrefix + "workerbuilds"
}

// formIndexKey is the sorted set of record keys scored by creation time
func (r *redisStore) formIndexKey() string {
	return r.keyPrefix + "workerbuilds:created"
}

// formOrchestrationKey is the set of record keys of one orchestration
func (r *redisStore) formOrchestrationKey(buildID string) string {
	return r.keyPrefix + "orchestration:" + buildID
}

func (r *redisStore) formFragmentsKey() string {
	return r.keyPrefix + "fragments"
}

func (r *redisStore) RecordWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode worker build record: %w", err)
	}

	key := rec.Key()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.formRecordsKey(), key, data)
	pipe.ZAdd(ctx, r.formIndexKey(), redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: key})
	pipe.SAdd(ctx, r.formOrchestrationKey(rec.BuildID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record worker build %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) CompleteOrchestration(ctx context.Context, buildID string) error {
	orchKey := r.formOrchestrationKey(buildID)
	keys, err := r.client.SMembers(ctx, orchKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list worker builds of %s: %w", buildID, err)
	}

	pipe := r.client.TxPipeline()
	if len(keys) > 0 {
		members := make([]interface{}, len(keys))
		for i, k := range keys {
			members[i] = k
		}
		pipe.HDel(ctx, r.formRecordsKey(), keys...)
		pipe.ZRem(ctx, r.formIndexKey(), members...)
	}
	pipe.Del(ctx, orchKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete orchestration %s: %w", buildID, err)
	}
	return nil
}

func (r *redisStore) ListStaleWorkerBuilds(ctx context.Context, cutoff time.Time, limit int) ([]WorkerBuildRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := r.client.ZRangeByScore(ctx, r.formIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale worker builds: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.formRecordsKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stale worker builds: %w", err)
	}

	records := make([]WorkerBuildRecord, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// index entry without a record
			r.client.ZRem(ctx, r.formIndexKey(), keys[i])
			continue
		}
		var rec WorkerBuildRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode worker build record %s: %w", keys[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *redisStore) ForgetWorkerBuild(ctx context.Context, rec WorkerBuildRecord) error {
	key := rec.Key()
	pipe := r.client.TxPipeline()
	deleted := pipe.HDel(ctx, r.formRecordsKey(), key)
	pipe.ZRem(ctx, r.formIndexKey(), key)
	pipe.SRem(ctx, r.formOrchestrationKey(rec.BuildID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to forget worker build %s: %w", key, err)
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *redisStore) DeferFragmentRemoval(ctx context.Context, ref FragmentRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode fragment reference: %w", err)
	}
	if err := r.client.RPush(ctx, r.formFragmentsKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to queue fragment %s: %w", ref.Name, err)
	}
	return nil
}

func (r *redisStore) PopFragmentsToRemove(ctx context.Context, limit int) ([]FragmentRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := r.formFragmentsKey()
	pipe := r.client.TxPipeline()
	items := pipe.LRange(ctx, key, 0, int64(limit-1))
	pipe.LTrim(ctx, key, int64(limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to pop fragments: %w", err)
	}

	refs := make([]FragmentRef, 0, len(items.Val()))
	for _, item := range items.Val() {
		var ref FragmentRef
		if err := json.Unmarshal([]byte(item), &ref); err != nil {
			return nil, fmt.Errorf("failed to decode fragment reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (r *redisStore) Close() error {
	return nil
}
