package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/marketplace/internal/observability/context"
	"github.com/smallbiznis/marketplace/internal/ratelimit"
)

const (
	HeaderUserID     = "X-User-ID"
	contextUserIDKey = "user_id"
)

// UserRequired takes the caller from X-User-ID. Authentication happens in
// front of this service.
func UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if user == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, user)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "user", user))
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

// OrderSubmissionLimit rejects order creation once the caller's bucket is
// empty. It runs after UserRequired.
func OrderSubmissionLimit(limiter *ratelimit.OrderSubmissionLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := limiter.Allow(c.Request.Context(), currentUser(c))
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
