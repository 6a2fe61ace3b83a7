// Package apperr classifies failures into the kinds the HTTP boundary and
// the query pipelines care about. Pipeline-internal retries (bad SQL from
// the model, suspicious results, EXPLAIN failures) never become apperr
// values; only conditions that surface to a caller do.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse classification of an error.
type Kind int

const (
	Internal Kind = iota // default; logged with detail, surfaced generically
	Validation
	Authentication
	Authorization
	NotFound
	Conflict
	RateLimit
	ExternalService
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimit:
		return "rate_limit"
	case ExternalService:
		return "external_service"
	case Configuration:
		return "configuration"
	default:
		return "internal"
	}
}

// Error carries a kind, a caller-safe message, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfterSeconds is set for RateLimit errors.
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a formatted caller-safe message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimit:
		return http.StatusTooManyRequests
	case ExternalService:
		return http.StatusBadGateway
	case Configuration, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a caller. Internal and
// configuration failures collapse to a generic string; everything else is
// surfaced verbatim.
func PublicMessage(err error) string {
	k := KindOf(err)
	if k == Internal || k == Configuration {
		return "internal error"
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}
