// Package ratelimit enforces the HTTP plane's single rate-limit rule
// (spec.md §4.10: "100 req/min sliding window, enforced in the KV
// counter with fail-open semantics"), keyed by remote address.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
)

// Limiter enforces the sliding-window rate limit per remote address.
type Limiter struct {
	limiter *limiter.Limiter
}

// New builds a Limiter from cfg.RateLimitPerMinute, backed by redisClient
// when non-nil (shared KV counter, survives restarts and multiple pods)
// or an in-process memory store otherwise (single-instance fallback).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitPerMinute)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid rate %q: %w", cfg.RateLimitPerMinute, err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "ratelimit:v1:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return &Limiter{limiter: limiter.New(store, rate)}, nil
}

// Middleware enforces the per-remote-address limit on every request it
// wraps. A store failure (e.g. Redis unreachable) fails open: the request
// proceeds rather than being rejected for an infrastructure problem
// unrelated to the caller (spec.md §4.10 "fail-open semantics").
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		result, err := l.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed, failing open")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(result.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests",
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
