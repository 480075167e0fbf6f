package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
)

// expiryLedger tracks absolute expirations for the sweeper, so TTL
// semantics hold even where native key expiry cannot be trusted. There is
// no user-facing delete; lifecycle is TTL-governed.
const expiryLedger = "p8fs:kv:expiry"

// KVPair is one scan result.
type KVPair struct {
	Key   string
	Value json.RawMessage
}

// KVGet reads one key. The boolean distinguishes a miss from an error.
func (p *Provider) KVGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := p.kv.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.KVOps.WithLabelValues("get", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.KVOps.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	metrics.KVOps.WithLabelValues("get", "hit").Inc()
	return json.RawMessage(data), true, nil
}

// KVPut writes a JSON value, optionally with a TTL. Expirations are also
// recorded in the sweep ledger.
func (p *Provider) KVPut(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv put %s: marshal: %w", key, err)
	}
	if err := p.kv.Set(ctx, key, data, ttl).Err(); err != nil {
		metrics.KVOps.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	if ttl > 0 {
		expiresAt := float64(time.Now().Add(ttl).Unix())
		if err := p.kv.ZAdd(ctx, expiryLedger, &redis.Z{Score: expiresAt, Member: key}).Err(); err != nil {
			p.logger.Warn("KV expiry ledger write failed", zap.Error(err))
		}
	} else {
		// A rewrite without TTL makes the key permanent; a stale ledger
		// entry from an earlier TTL write must not sweep it away.
		if err := p.kv.ZRem(ctx, expiryLedger, key).Err(); err != nil {
			p.logger.Warn("KV expiry ledger prune failed", zap.Error(err))
		}
	}
	metrics.KVOps.WithLabelValues("put", "ok").Inc()
	return nil
}

// KVScan returns up to limit pairs under a prefix, sorted by key. The scan
// is cursor-driven and bounded; tenant isolation comes from the prefix
// discipline ("<tenant_id>/...").
func (p *Provider) KVScan(ctx context.Context, prefix string, limit int) ([]KVPair, error) {
	if limit <= 0 {
		limit = 100
	}

	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := p.kv.Scan(ctx, cursor, prefix+"*", int64(limit)).Result()
		if err != nil {
			metrics.KVOps.WithLabelValues("scan", "error").Inc()
			return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 || len(keys) >= limit {
			break
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	pairs := make([]KVPair, 0, len(keys))
	for _, k := range keys {
		value, found, err := p.KVGet(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			// Expired between SCAN and GET.
			continue
		}
		pairs = append(pairs, KVPair{Key: k, Value: value})
	}
	metrics.KVOps.WithLabelValues("scan", "ok").Inc()
	return pairs, nil
}

// KVSweep deletes keys whose ledger expiration has passed and prunes the
// ledger. On engines with native TTL this is a consistency backstop; on
// engines without, it is the TTL mechanism and must run periodically.
func (p *Provider) KVSweep(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := p.kv.ZRangeByScore(ctx, expiryLedger, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("kv sweep: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	swept := 0
	for _, key := range due {
		if err := p.kv.Del(ctx, key).Err(); err != nil {
			p.logger.Warn("KV sweep delete failed", zap.Error(err))
			continue
		}
		swept++
	}
	members := make([]interface{}, len(due))
	for i, k := range due {
		members[i] = k
	}
	if err := p.kv.ZRem(ctx, expiryLedger, members...).Err(); err != nil {
		p.logger.Warn("KV sweep ledger prune failed", zap.Error(err))
	}
	return swept, nil
}

// RunKVSweeper loops KVSweep on the interval until ctx is done.
func (p *Provider) RunKVSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.KVSweep(ctx); err != nil {
				p.logger.Warn("KV sweep failed", zap.Error(err))
			} else if n > 0 {
				p.logger.Debug("KV sweep completed", zap.Int("swept", n))
			}
		}
	}
}
