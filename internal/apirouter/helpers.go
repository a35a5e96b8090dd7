package apirouter

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/relaywh/webhookd/internal/apierror"
)

// abortWithAPIError aborts the gin chain with err, deriving the HTTP status
// from its apierror.Kind when present so ErrorHandlerMiddleware and gin's
// own bookkeeping (e.g. c.Writer.Status()) agree on the outcome.
func abortWithAPIError(c *gin.Context, err error) {
	status := 500
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		status = apiErr.Status()
	}
	c.AbortWithError(status, err) //nolint:errcheck
}
