package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/audioshelf/internal/cache"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient stores the interception layer's response caches in Redis.
//
// Layout, under a configurable prefix:
//
//	<prefix>:caches               set of cache names
//	<prefix>:cache:<name>:index   sorted set, member = key, score = stored-at (ms)
//	<prefix>:cache:<name>:e:<key> JSON-encoded cache.Entry
type RedisClient struct {
	client *redis.Client
	prefix string
}

var _ cache.Backend = (*RedisClient)(nil)

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int, prefix string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func (rc *RedisClient) namesKey() string { return rc.prefix + ":caches" }

func (rc *RedisClient) indexKey(cacheName string) string {
	return fmt.Sprintf("%s:cache:%s:index", rc.prefix, cacheName)
}

func (rc *RedisClient) entryKey(cacheName, key string) string {
	return fmt.Sprintf("%s:cache:%s:e:%s", rc.prefix, cacheName, key)
}

// Put stores an entry and indexes it by stored-at time
func (rc *RedisClient) Put(ctx context.Context, cacheName, key string, e *cache.Entry) error {
	ctx, span := tracer.Start(ctx, "redis.cache_put",
		trace.WithAttributes(
			attribute.String("cache", cacheName),
			attribute.String("key", key),
			attribute.Int("size_bytes", len(e.Body)),
		),
	)
	defer span.End()

	data, err := json.Marshal(e)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, rc.entryKey(cacheName, key), data, 0)
	pipe.ZAdd(ctx, rc.indexKey(cacheName), redis.Z{Score: float64(e.StoredAt.UnixMilli()), Member: key})
	pipe.SAdd(ctx, rc.namesKey(), cacheName)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Get loads an entry; a missing key is not an error
func (rc *RedisClient) Get(ctx context.Context, cacheName, key string) (*cache.Entry, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.cache_get",
		trace.WithAttributes(
			attribute.String("cache", cacheName),
			attribute.String("key", key),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, rc.entryKey(cacheName, key)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, false, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	var e cache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &e, true, nil
}

// Delete removes one entry
func (rc *RedisClient) Delete(ctx context.Context, cacheName, key string) error {
	pipe := rc.client.TxPipeline()
	pipe.Del(ctx, rc.entryKey(cacheName, key))
	pipe.ZRem(ctx, rc.indexKey(cacheName), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

// Keys lists the keys of a cache with their stored-at times
func (rc *RedisClient) Keys(ctx context.Context, cacheName string) ([]cache.KeyInfo, error) {
	members, err := rc.client.ZRangeWithScores(ctx, rc.indexKey(cacheName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index: %w", err)
	}
	keys := make([]cache.KeyInfo, 0, len(members))
	for _, m := range members {
		key, _ := m.Member.(string)
		keys = append(keys, cache.KeyInfo{Key: key, StoredAt: time.UnixMilli(int64(m.Score))})
	}
	return keys, nil
}

// CacheNames lists known caches
func (rc *RedisClient) CacheNames(ctx context.Context) ([]string, error) {
	names, err := rc.client.SMembers(ctx, rc.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

// DropCache deletes every entry of a cache and forgets its name
func (rc *RedisClient) DropCache(ctx context.Context, cacheName string) error {
	ctx, span := tracer.Start(ctx, "redis.cache_drop", trace.WithAttributes(attribute.String("cache", cacheName)))
	defer span.End()

	keys, err := rc.client.ZRange(ctx, rc.indexKey(cacheName), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	pipe := rc.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, rc.entryKey(cacheName, key))
	}
	pipe.Del(ctx, rc.indexKey(cacheName))
	pipe.SRem(ctx, rc.namesKey(), cacheName)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop cache: %w", err)
	}

	span.SetAttributes(attribute.Int("entries_dropped", len(keys)))
	return nil
}
