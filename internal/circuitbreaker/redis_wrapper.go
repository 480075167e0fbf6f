package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a circuit breaker. A redis.Nil
// result is a miss, not a failure, and does not count against the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper wraps client with a breaker named "redis".
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", DefaultConfig(), logger),
	}
}

// Ping wraps PING.
func (w *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.Ping(ctx)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps GET.
func (w *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps SET with expiration.
func (w *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps DEL.
func (w *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.Del(ctx, keys...)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Scan wraps SCAN for bounded prefix iteration.
func (w *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	var result *redis.ScanCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.Scan(ctx, cursor, match, count)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewScanCmd(ctx, nil)
		result.SetErr(err)
	}
	return result
}

// ZAdd wraps ZADD; used by the KV expiry ledger.
func (w *RedisWrapper) ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd {
	var result *redis.IntCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.ZAdd(ctx, key, members...)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ZRangeByScore wraps ZRANGEBYSCORE.
func (w *RedisWrapper) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.ZRangeByScore(ctx, key, opt)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ZRem wraps ZREM.
func (w *RedisWrapper) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	var result *redis.IntCmd
	err := w.cb.Execute(ctx, func() error {
		result = w.client.ZRem(ctx, key, members...)
		return result.Err()
	})
	if err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// State exposes the breaker state for health checks.
func (w *RedisWrapper) State() State { return w.cb.State() }

// Close closes the client.
func (w *RedisWrapper) Close() error { return w.client.Close() }
