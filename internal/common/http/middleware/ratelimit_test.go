package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/http/middleware"
	"judgecore/pkg/utils/contextkey"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, cfg middleware.RateLimitConfig) (*middleware.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return middleware.NewRateLimiter(c, cfg), mr
}

func limitedRouter(l *middleware.RateLimiter, operator string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/processes", func(c *gin.Context) {
		if operator != "" {
			c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, operator))
		}
		c.Next()
	}, middleware.RateLimit(l, "create"), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return router
}

func hit(router *gin.Engine) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/processes", nil)
	req.RemoteAddr = "10.1.1.1:5000"
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitPerIP(t *testing.T) {
	l, mr := newLimiter(t, middleware.RateLimitConfig{Window: time.Minute, IPMax: 2})
	router := limitedRouter(l, "")

	for i := 0; i < 2; i++ {
		if code := hit(router); code != http.StatusAccepted {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := hit(router); code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d", code)
	}

	mr.FastForward(time.Minute + time.Second)
	if code := hit(router); code != http.StatusAccepted {
		t.Fatalf("after window: status %d", code)
	}
}

func TestRateLimitPerOperator(t *testing.T) {
	l, _ := newLimiter(t, middleware.RateLimitConfig{IPMax: 100, OperatorMax: 1})
	router := limitedRouter(l, "alice")

	if code := hit(router); code != http.StatusAccepted {
		t.Fatalf("first: %d", code)
	}
	if code := hit(router); code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", code)
	}
}

func TestRateLimitFailOpen(t *testing.T) {
	l, mr := newLimiter(t, middleware.RateLimitConfig{IPMax: 1, FailOpen: true})
	router := limitedRouter(l, "")
	mr.Close()

	if code := hit(router); code != http.StatusAccepted {
		t.Fatalf("fail open: %d", code)
	}

	closed, mr2 := newLimiter(t, middleware.RateLimitConfig{IPMax: 1})
	mr2.Close()
	if code := hit(limitedRouter(closed, "")); code == http.StatusAccepted {
		t.Fatalf("fail closed should reject")
	}
}
