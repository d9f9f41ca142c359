package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tinchat/server/internal/v1/metrics"
)

// Set writes key=value with the given expiry. A zero ttl means no expiry.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if s == nil || s.client == nil {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return s.recordOp("set", err)
}

// Get reads key, returning ("", false) on a miss, transport error, or open
// circuit breaker — never an error to the caller (spec.md §4.2 fail-soft).
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	if s == nil || s.client == nil {
		return "", false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		if err == redis.Nil {
			metrics.RedisOperationsTotal.WithLabelValues("get", "miss").Inc()
			return "", false
		}
		s.recordOp("get", err)
		return "", false
	}
	metrics.RedisOperationsTotal.WithLabelValues("get", "hit").Inc()
	return res.(string), true
}

// Del removes key, returning whether it existed.
func (s *Service) Del(ctx context.Context, key string) bool {
	if s == nil || s.client == nil {
		return false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Del(ctx, key).Result()
	})
	if !s.recordOp("del", err) {
		return false
	}
	return res.(int64) > 0
}

// Exists reports whether key is present.
func (s *Service) Exists(ctx context.Context, key string) bool {
	if s == nil || s.client == nil {
		return false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if !s.recordOp("exists", err) {
		return false
	}
	return res.(int64) > 0
}

// Incr atomically increments key and applies ttl if the key is new (ttl > 0
// and the resulting value is 1). Returns the new value and false on
// failure.
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	if s == nil || s.client == nil {
		return 0, false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if !s.recordOp("incr", err) {
		return 0, false
	}
	n := res.(int64)
	if ttl > 0 && n == 1 {
		_ = s.Expire(ctx, key, ttl)
	}
	return n, true
}

// Expire sets a new ttl on an existing key.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if s == nil || s.client == nil {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return s.recordOp("expire", err)
}

// MGet batch-reads keys, returning a same-length slice with "" for any miss
// and a parallel found slice.
func (s *Service) MGet(ctx context.Context, keys []string) ([]string, []bool) {
	values := make([]string, len(keys))
	found := make([]bool, len(keys))
	if s == nil || s.client == nil || len(keys) == 0 {
		return values, found
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if !s.recordOp("mget", err) {
		return values, found
	}
	raw := res.([]interface{})
	for i, v := range raw {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		values[i] = str
		found[i] = true
	}
	return values, found
}

// KVPair is one entry for MSetTTL.
type KVPair struct {
	Key   string
	Value string
	TTL   time.Duration
}

// MSetTTL pipelines a per-key SET...EX for every pair, so closely-spaced
// cache writes (spec.md §4.4 "invalidation coalescing") go over the wire in
// one round trip.
func (s *Service) MSetTTL(ctx context.Context, pairs []KVPair) bool {
	if s == nil || s.client == nil || len(pairs) == 0 {
		return false
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.Pipeline()
		for _, p := range pairs {
			pipe.Set(ctx, p.Key, p.Value, p.TTL)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return s.recordOp("msettl", err)
}

// DelBatch pipelines deletion of every key.
func (s *Service) DelBatch(ctx context.Context, keys []string) bool {
	if s == nil || s.client == nil || len(keys) == 0 {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return s.recordOp("delbatch", err)
}

// ScanPrefix returns every key matching prefix+"*", cursoring until
// exhausted. Intended for low-cardinality admin/invalidation sweeps, not
// hot-path lookups.
func (s *Service) ScanPrefix(ctx context.Context, prefix string) []string {
	if s == nil || s.client == nil {
		return nil
	}
	var out []string
	var cursor uint64
	for {
		res, err := s.cb.Execute(func() (interface{}, error) {
			keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return nil, err
			}
			return [2]interface{}{keys, next}, nil
		})
		if !s.recordOp("scan", err) {
			return out
		}
		pair := res.([2]interface{})
		keys := pair[0].([]string)
		next := pair[1].(uint64)
		out = append(out, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return out
}

// LPush pushes value onto the head of the list at key.
func (s *Service) LPush(ctx context.Context, key, value string) bool {
	if s == nil || s.client == nil {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LPush(ctx, key, value).Err()
	})
	return s.recordOp("lpush", err)
}

// RPop pops and returns the tail element of the list at key.
func (s *Service) RPop(ctx context.Context, key string) (string, bool) {
	if s == nil || s.client == nil {
		return "", false
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.RPop(ctx, key).Result()
	})
	if err != nil {
		if err == redis.Nil {
			return "", false
		}
		s.recordOp("rpop", err)
		return "", false
	}
	return res.(string), true
}

// LRem removes up to count occurrences of value from the list at key.
func (s *Service) LRem(ctx context.Context, key string, count int64, value string) bool {
	if s == nil || s.client == nil {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LRem(ctx, key, count, value).Err()
	})
	return s.recordOp("lrem", err)
}

// LRange returns list elements in [start, stop] (inclusive, Redis semantics).
func (s *Service) LRange(ctx context.Context, key string, start, stop int64) []string {
	if s == nil || s.client == nil {
		return nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if !s.recordOp("lrange", err) {
		return nil
	}
	return res.([]string)
}

// LLen returns the length of the list at key.
func (s *Service) LLen(ctx context.Context, key string) int64 {
	if s == nil || s.client == nil {
		return 0
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.LLen(ctx, key).Result()
	})
	if !s.recordOp("llen", err) {
		return 0
	}
	return res.(int64)
}

// LTrim trims the list at key to the inclusive range [start, stop].
func (s *Service) LTrim(ctx context.Context, key string, start, stop int64) bool {
	if s == nil || s.client == nil {
		return false
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LTrim(ctx, key, start, stop).Err()
	})
	return s.recordOp("ltrim", err)
}

// recordOp translates a circuit-breaker/transport error into the
// "fail soft, log, never throw" policy of spec.md §4.2, returning whether
// the operation succeeded.
func (s *Service) recordOp(op string, err error) bool {
	if err == nil {
		metrics.RedisOperationsTotal.WithLabelValues(op, "ok").Inc()
		return true
	}
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		metrics.RedisOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
		return false
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
	slog.Warn("redis operation failed", "op", op, "error", err)
	return false
}
