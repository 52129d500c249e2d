// Package calerr defines the error kinds shared by every Calendar component.
package calerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the Calendar core's propagation policy expects:
// Transient/DependencyUnavailable errors are retried with bounded backoff, the rest
// are surfaced to the caller as-is.
type Kind string

const (
	Validation           Kind = "Validation"
	Conflict             Kind = "Conflict"
	CapacityExceeded     Kind = "CapacityExceeded"
	AuthFailure          Kind = "AuthFailure"
	DependencyUnavailable Kind = "DependencyUnavailable"
	Transient            Kind = "Transient"
	Fatal                Kind = "Fatal"
)

// httpCode mirrors the stable HTTP codes the Node Registry surface promises.
var httpCode = map[Kind]int{
	Validation:            400,
	CapacityExceeded:      403,
	Conflict:              409,
	AuthFailure:           426,
	DependencyUnavailable: 500,
	Transient:             500,
	Fatal:                 500,
}

// registryCode mirrors the stable `code` string the Node Registry HTTP surface promises.
var registryCode = map[Kind]string{
	Validation:            "InvalidArgumentError",
	Conflict:              "ConflictError",
	CapacityExceeded:      "ForbiddenError",
	AuthFailure:           "UpgradeRequiredError",
	DependencyUnavailable: "InternalServerError",
	Transient:             "InternalServerError",
	Fatal:                 "InternalServerError",
}

// NotFoundCode is a special case: the Node Registry surface distinguishes "unknown
// tnt_addr on update" (404) from a plain Validation error, without a distinct Kind.
const NotFoundCode = "NotFoundError"

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

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Fatal for untyped errors so that
// callers never silently treat an unknown failure as retryable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// HTTPStatus returns the stable HTTP status code for a Kind, per the Node Registry's
// documented error set.
func HTTPStatus(kind Kind) int {
	if c, ok := httpCode[kind]; ok {
		return c
	}
	return 500
}

// RegistryCode returns the stable `code` string for a Kind, per the Node Registry's
// documented error set.
func RegistryCode(kind Kind) string {
	if c, ok := registryCode[kind]; ok {
		return c
	}
	return "InternalServerError"
}

// HTTPStatusFor and RegistryCodeFor special-case the "unknown tnt_addr on update"
// NotFoundCode message, which the Node Registry surface reports as 404 rather than
// the Validation kind's usual 400.
func HTTPStatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Message == NotFoundCode {
		return 404
	}
	return HTTPStatus(KindOf(err))
}

func RegistryCodeFor(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message == NotFoundCode {
		return NotFoundCode
	}
	return RegistryCode(KindOf(err))
}

// Retryable reports whether the propagation policy calls for bounded-backoff retry.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == Transient || k == DependencyUnavailable
}
