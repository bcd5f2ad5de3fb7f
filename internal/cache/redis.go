package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idem:order:"
	stockSnapshotTTL     = 10 * time.Minute
)

var ErrMiss = errors.New("cache miss")

// setIfNewerScript only overwrites a cached stock level with a snapshot
// taken at an equal or later inventory version, so a slow writer cannot
// replace a fresher value.
var setIfNewerScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'stock', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 50,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func stockKey(variantID int64) string {
	return stockKeyPrefix + strconv.FormatInt(variantID, 10)
}

// SetStock records a committed stock level for a variant. It reports false
// when a newer snapshot is already cached.
func (r *RedisCache) SetStock(ctx context.Context, variantID int64, stock, version int) (bool, error) {
	result, err := setIfNewerScript.Run(ctx, r.client,
		[]string{stockKey(variantID)},
		stock, version, stockSnapshotTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("set stock snapshot: %w", err)
	}
	return result == 1, nil
}

func (r *RedisCache) GetStock(ctx context.Context, variantID int64) (int, error) {
	stock, err := r.client.HGet(ctx, stockKey(variantID), "stock").Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("get stock snapshot: %w", err)
	}
	return stock, nil
}

func (r *RedisCache) InvalidateStock(ctx context.Context, variantID int64) error {
	return r.client.Del(ctx, stockKey(variantID)).Err()
}

// AcquireIdempotency claims key for ttl. It reports false if the key has
// already been claimed.
func (r *RedisCache) AcquireIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire idempotency key: %w", err)
	}
	return ok, nil
}

func (r *RedisCache) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
