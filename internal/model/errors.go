package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure so callers can map it to a response code
// and operators can tell misconfiguration apart from active tampering.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindIntegrity     ErrorKind = "integrity"
	KindNotFound      ErrorKind = "not_found"
	KindTransient     ErrorKind = "transient"
	KindPrecondition  ErrorKind = "precondition"
)

// AppError carries an ErrorKind alongside the message. Status overrides the
// kind's default HTTP mapping where the wire contract demands it (a content
// hash mismatch is an integrity failure but answers 400, not 403).
type AppError struct {
	Kind     ErrorKind
	Status   int
	Security bool // log as a security event, not an ordinary rejection
	msg      string
	wrapped  error
}

func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *AppError) Unwrap() error { return e.wrapped }

// E builds an AppError of the given kind.
func E(kind ErrorKind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an AppError.
func Wrap(kind ErrorKind, err error, msg string) *AppError {
	return &AppError{Kind: kind, msg: msg, wrapped: err}
}

// KindOf extracts the kind of err, or KindTransient for untyped errors.
func KindOf(err error) ErrorKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsSecurityEvent reports whether err should be logged as a security event.
func IsSecurityEvent(err error) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Security
}

// HTTPStatus maps err to the federation wire contract: 400 for schema and
// content-hash failures, 403 for peer/signature/skew, 500 otherwise.
func HTTPStatus(err error) int {
	var ae *AppError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	if ae.Status != 0 {
		return ae.Status
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization, KindIntegrity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
