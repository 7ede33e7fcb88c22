// Package errs implements Cloudillo's closed error-kind taxonomy (§4.1, §7).
// Every fallible core operation returns one of these kinds so that the HTTP
// layer can pick a status code and the scheduler can pick retry-vs-fatal
// without string-matching error messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed sum of error categories used across the core.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Parse
	ValidationError
	ConfigError
	DbError
	IoError
	PermissionDenied
	PreconditionRequired
	Timeout
	ServiceUnavailable
	Locked
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "Internal"
	case NotFound:
		return "NotFound"
	case Parse:
		return "Parse"
	case ValidationError:
		return "ValidationError"
	case ConfigError:
		return "ConfigError"
	case DbError:
		return "DbError"
	case IoError:
		return "IoError"
	case PermissionDenied:
		return "PermissionDenied"
	case PreconditionRequired:
		return "PreconditionRequired"
	case Timeout:
		return "Timeout"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// Error is a Cloudillo core error: a Kind plus a human-readable message and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func NewInternal(msg string) *Error             { return new_(Internal, msg) }
func NewNotFound(msg string) *Error             { return new_(NotFound, msg) }
func NewParse(msg string) *Error                { return new_(Parse, msg) }
func NewValidation(msg string) *Error           { return new_(ValidationError, msg) }
func NewConfig(msg string) *Error               { return new_(ConfigError, msg) }
func NewDb(cause error) *Error                  { return Wrap(DbError, "database error", cause) }
func NewIo(msg string) *Error                   { return new_(IoError, msg) }
func NewPermissionDenied(msg string) *Error     { return new_(PermissionDenied, msg) }
func NewPreconditionRequired(msg string) *Error { return new_(PreconditionRequired, msg) }
func NewTimeout(msg string) *Error              { return new_(Timeout, msg) }
func NewServiceUnavailable(msg string) *Error   { return new_(ServiceUnavailable, msg) }
func NewLocked(msg string) *Error               { return new_(Locked, msg) }

// As extracts the Kind of err, defaulting to Internal for errors that don't
// originate from this package (e.g. raw driver errors a caller forgot to
// wrap).
func As(err error) Kind {
	if err == nil {
		return Kind(-1)
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether a scheduled task that failed with err should be
// retried per §7: network/5xx/Timeout/ServiceUnavailable/DbError are
// retryable, validation and permission failures are terminal.
func Retryable(err error) bool {
	switch As(err) {
	case Timeout, ServiceUnavailable, DbError, IoError, Internal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code described in §7.
func HTTPStatus(k Kind) int {
	switch k {
	case ValidationError, Parse:
		return 400
	case PermissionDenied:
		return 403
	case NotFound:
		return 404
	case PreconditionRequired:
		return 428
	case Locked:
		return 423
	case Timeout, ServiceUnavailable:
		return 503
	case DbError, IoError, ConfigError, Internal:
		return 500
	default:
		return 500
	}
}
