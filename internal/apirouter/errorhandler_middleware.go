// Package apirouter's ErrorHandlerMiddleware inspects c.Errors.Last() after
// the handler chain runs and renders the structured error envelope, rather
// than each handler writing its own error response.
package apirouter

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/relaywh/webhookd/internal/apierror"
)

func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ginErr := c.Errors.Last()
		if ginErr == nil {
			return
		}

		envelope := parseError(ginErr.Err)
		c.JSON(envelope.Code, envelope)
	}
}

func parseError(err error) ErrorEnvelope {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return ErrorEnvelope{Code: apiErr.Status(), Message: apiErr.Message, Errors: apiErr.Errors}
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := map[string]string{}
		for _, fe := range validationErrors {
			fields[fe.Field()] = formatValidationError(fe)
		}
		return ErrorEnvelope{Code: http.StatusBadRequest, Message: "validation error", Errors: fields}
	}

	internal := apierror.Internal(err)
	return ErrorEnvelope{Code: internal.Status(), Message: internal.Message, Errors: internal.Errors}
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gte":
		return fe.Field() + " must be greater than or equal to " + fe.Param()
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}
