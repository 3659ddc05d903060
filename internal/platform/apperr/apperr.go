// Package apperr defines the error taxonomy shared by the escalation and
// connection services and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Sentinel kinds. Use errors.Is against these; the concrete *Error carries the
// caller-facing message.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("request already processed")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNoDoctorAvailable   = errors.New("no doctor available, try again")
)

// Machine-readable codes returned in the JSON error body.
const (
	CodeValidation        = "invalid_request"
	CodeNotFound          = "not_found"
	CodeAlreadyProcessed  = "already_processed"
	CodeForbidden         = "forbidden"
	CodeUnauthorized      = "unauthorized"
	CodeUpstream          = "upstream_unavailable"
	CodeNoDoctorAvailable = "no_doctor_available"
)

// Error is a classified application error.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func newf(kind error, code, format string, args ...interface{}) error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) error {
	return newf(ErrValidation, CodeValidation, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return newf(ErrNotFound, CodeNotFound, format, args...)
}

// Conflictf reports a transition attempted against a request or room that is
// no longer in the required state.
func Conflictf(format string, args ...interface{}) error {
	return newf(ErrConflict, CodeAlreadyProcessed, format, args...)
}

func Forbiddenf(format string, args ...interface{}) error {
	return newf(ErrForbidden, CodeForbidden, format, args...)
}

func Unauthorizedf(format string, args ...interface{}) error {
	return newf(ErrUnauthorized, CodeUnauthorized, format, args...)
}

func Upstreamf(format string, args ...interface{}) error {
	return newf(ErrUpstreamUnavailable, CodeUpstream, format, args...)
}

// NoDoctorAvailable is returned by the matcher when every online doctor is
// either busy elsewhere or has already declined the request.
func NoDoctorAvailable() error {
	return &Error{Kind: ErrNoDoctorAvailable, Code: CodeNoDoctorAvailable, Message: ErrNoDoctorAvailable.Error()}
}

// Body is the JSON shape of every error response.
type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrNoDoctorAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an *echo.HTTPError. Unclassified errors are
// reported as a generic 500 so internal details never reach the client.
func HTTPError(err error) *echo.HTTPError {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{Error: "internal server error", Code: "internal"}).SetInternal(err)
	}
	return echo.NewHTTPError(Status(err), Body{Error: ae.Error(), Code: ae.Code}).SetInternal(err)
}
