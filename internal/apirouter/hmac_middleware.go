package apirouter

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/relaywh/webhookd/internal/apierror"
	"github.com/relaywh/webhookd/internal/hmac"
)

const (
	rawBodyContextKey        = "webhookd.raw_body"
	idempotencyKeyContextKey = "webhookd.idempotency_key"
)

// HMACMiddleware verifies X-Timestamp/X-Signature against the raw request
// body and requires an Idempotency-Key header. It stashes the raw body and
// idempotency key in the gin context so the handler doesn't need to
// re-read the request.
func HMACMiddleware(auth *hmac.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			abortWithAPIError(c, apierror.BadRequest("Idempotency-Key header is required"))
			return
		}

		timestamp := c.GetHeader("X-Timestamp")
		signature := c.GetHeader("X-Signature")

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithAPIError(c, apierror.BadRequest("failed to read request body"))
			return
		}

		if err := auth.Verify(body, timestamp, signature); err != nil {
			abortWithAPIError(c, err)
			return
		}

		c.Set(rawBodyContextKey, body)
		c.Set(idempotencyKeyContextKey, idempotencyKey)
		c.Next()
	}
}
