// Package apierror defines the error taxonomy shared across the ingest,
// query, and rate-limiter surfaces and the HTTP envelope they are
// rendered into at the API edge.
package apierror

import "net/http"

// Kind classifies an error into one of the HTTP-mapped error classes.
type Kind string

const (
	KindBadRequest         Kind = "bad-request"
	KindUnauthorized       Kind = "unauthorized-request"
	KindNotFound           Kind = "resource-not-found"
	KindConflict           Kind = "duplicate-entity"
	KindUnprocessable      Kind = "integrity-error"
	KindRateLimited        Kind = "rate-limited"
	KindServerError        Kind = "server-error"
	KindServiceUnavailable Kind = "service-unavailable"
)

var statusByKind = map[Kind]int{
	KindBadRequest:         http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindUnprocessable:      http.StatusUnprocessableEntity,
	KindRateLimited:        http.StatusTooManyRequests,
	KindServerError:        http.StatusInternalServerError,
	KindServiceUnavailable: http.StatusServiceUnavailable,
}

// Error is the structured error type threaded through the ingest, HMAC,
// rate-limiter, and query components. It carries enough information for the
// HTTP edge to render {code, message, errors} without re-classifying a bare
// error string.
type Error struct {
	Kind    Kind
	Message string
	// Errors is either nil, a single kind string (the common case), or a
	// field->message validation map.
	Errors interface{}
	cause  error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code for the error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Errors: string(kind)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Errors: string(kind), cause: cause}
}

// WithFieldErrors attaches a field->message validation map as Errors,
// replacing the default bare kind string.
func (e *Error) WithFieldErrors(fields map[string]string) *Error {
	e.Errors = fields
	return e
}

func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

func RateLimited(message string) *Error {
	return New(KindRateLimited, message)
}

func ServiceUnavailable(message string, cause error) *Error {
	return Wrap(KindServiceUnavailable, message, cause)
}

func Internal(cause error) *Error {
	return Wrap(KindServerError, "internal server error", cause)
}
