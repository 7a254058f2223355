package gateway

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCmd interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard помечает платёж как проверяемый ключом с TTL.
type RedisGuard struct {
	rdb redisCmd
	ttl time.Duration
}

// NewRedisGuard создаёт защиту от параллельных повторов поверх Redis.
func NewRedisGuard(rdb redisCmd, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

// Acquire возвращает false, если ключ уже занят другим запросом.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	return g.rdb.SetNX(ctx, key, "1", g.ttl).Result()
}

// Release освобождает ключ.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, key).Err()
}
