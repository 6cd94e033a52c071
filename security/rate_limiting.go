package security

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/redis/go-redis/v9"
)

// DenyFunc writes a refusal in the caller's response envelope.
type DenyFunc func(e *core.RequestEvent, status int, code, message string) error

type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
}

// NewRateLimiter allows limit requests per client per window. Counting is
// shared across instances through Redis.
func NewRateLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: rdb, limit: int64(limit), window: window}
}

// ScanRateLimit guards the scan endpoint against bots and runaway scanners.
// Redis failures let the request through. Refusals are written by deny.
func (r *RateLimiter) ScanRateLimit(deny DenyFunc) *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "scanRateLimit",
		Func: func(e *core.RequestEvent) error {
			if r.isSuspiciousUserAgent(e.Request.UserAgent()) {
				return deny(e, http.StatusForbidden, "forbidden", "Access denied")
			}

			ip := e.RemoteIP()
			if e.App != nil {
				ip = e.RealIP()
			}
			if !r.Allow(e.Request, ip) {
				e.Response.Header().Set("Retry-After", fmt.Sprintf("%d", int(r.window.Seconds())))
				return deny(e, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			}
			return e.Next()
		},
	}
}

// Allow counts one request for client in the current window.
func (r *RateLimiter) Allow(req *http.Request, client string) bool {
	if r.redis == nil {
		return true
	}
	ctx := req.Context()
	key := fmt.Sprintf("ratelimit:scan:%s", client)

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("rate limit check failed", "key", key, "error", err)
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, key, r.window)
	}
	return count <= r.limit
}

func (r *RateLimiter) isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
