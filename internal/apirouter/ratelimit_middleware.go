package apirouter

import (
	"github.com/gin-gonic/gin"

	"github.com/relaywh/webhookd/internal/apierror"
	"github.com/relaywh/webhookd/internal/ratelimit"
)

// RateLimitMiddleware enforces limiter for key, echoing Retry-After: 5 on
// rejection.
func RateLimitMiddleware(limiter ratelimit.Limiter, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			abortWithAPIError(c, err)
			return
		}
		if !allowed {
			c.Header("Retry-After", "5")
			abortWithAPIError(c, apierror.RateLimited("too many requests! please try again after some time"))
			return
		}
		c.Next()
	}
}
