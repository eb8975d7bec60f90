package middleware

import (
	"context"
	"fmt"
	"time"

	"judgecore/internal/common/cache"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/contextkey"
	"judgecore/pkg/utils/logger"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRateWindow  = time.Minute
	defaultRateTimeout = 200 * time.Millisecond
	defaultRatePrefix  = "judge:rate"
)

// RateLimitConfig bounds how often one client may hit a route. A zero max
// disables that dimension.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	IPMax       int           `yaml:"ipMax"`
	OperatorMax int           `yaml:"operatorMax"`
	Prefix      string        `yaml:"prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	// FailOpen lets requests through when Redis cannot be reached.
	FailOpen bool `yaml:"failOpen"`
}

// RateLimiter counts requests in fixed Redis windows.
type RateLimiter struct {
	cache cache.Cache
	cfg   RateLimitConfig
}

func NewRateLimiter(cacheClient cache.Cache, cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultRateWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRateTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRatePrefix
	}
	return &RateLimiter{cache: cacheClient, cfg: cfg}
}

// Allow increments key and fails with TooManyRequests once max is passed
// inside the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int) error {
	if max <= 0 {
		return nil
	}
	if l.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	acquired, err := l.cache.SetNX(ctx, key, 1, l.cfg.Window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = l.cache.Incr(ctx, key)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		// A key left without expiry would block the client forever.
		if ttl, ttlErr := l.cache.TTL(ctx, key); ttlErr == nil && ttl <= 0 {
			_ = l.cache.Expire(ctx, key, l.cfg.Window)
		}
	}
	if count > int64(max) {
		return appErr.New(appErr.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

type rateKey struct {
	key string
	max int
}

// RateLimit limits routeKey per client IP and, when the operator middleware
// ran first, per operator.
func RateLimit(l *RateLimiter, routeKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		keys := []rateKey{{fmt.Sprintf("%s:ip:%s:%s", l.cfg.Prefix, c.ClientIP(), routeKey), l.cfg.IPMax}}
		if operator, ok := ctx.Value(contextkey.UserID).(string); ok && operator != "" {
			keys = append(keys, rateKey{fmt.Sprintf("%s:op:%s:%s", l.cfg.Prefix, operator, routeKey), l.cfg.OperatorMax})
		}

		for _, k := range keys {
			err := l.Allow(ctx, k.key, k.max)
			if err == nil {
				continue
			}
			if l.cfg.FailOpen && !appErr.Is(err, appErr.TooManyRequests) {
				logger.Warn(ctx, "rate limit skipped", zap.String("route", routeKey), zap.Error(err))
				continue
			}
			response.AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
