// Package apperr defines the stable error kinds every operation reports
// and their mapping onto HTTP statuses.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

type Kind string

const (
	BadRequest          Kind = "BAD_REQUEST"
	NotFound            Kind = "NOT_FOUND"
	Forbidden           Kind = "FORBIDDEN"
	Conflict            Kind = "CONFLICT"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	Internal            Kind = "INTERNAL"
)

// Error carries a kind and a message safe to show to callers. Err, when
// set, is the underlying cause and is never shown in production.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a stack attached.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.WithStackDepth(&Error{Kind: kind, Message: fmt.Sprintf(format, args...)}, 1)
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return errors.WithStackDepth(&Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}, 1)
}

// Upstream wraps a collaborator failure unless it is already classified.
func Upstream(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return errors.WithStackDepth(&Error{Kind: UpstreamUnavailable, Message: fmt.Sprintf(format, args...), Err: cause}, 1)
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-facing message. Unclassified errors get a
// generic message so internals do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Detail renders the full chain with stack traces for non-production responses.
func Detail(err error) string {
	return fmt.Sprintf("%+v", err)
}

// HTTPStatus maps a kind onto its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
