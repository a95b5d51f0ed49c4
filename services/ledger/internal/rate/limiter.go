package rate

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/gin-gonic/gin"
)

// Limiter is a fixed-window request counter keyed by caller.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type Metrics interface {
	IncRateLimited(route string)
}

// Middleware limits requests per authenticated actor, falling back to the
// client IP when no actor is set. Limiter failures let the request through.
func Middleware(limiter Limiter, logger *slog.Logger, metrics Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if actor := auth.Actor(c); actor != "" {
			key = "actor:" + actor
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, time.Now())
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			if metrics != nil {
				metrics.IncRateLimited(route)
			}
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
