// Package apperr defines the error taxonomy shared by the gateway, the
// session manager and the recovery store.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category surfaced to clients.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindCapacity       Kind = "capacity"
	KindInternal       Kind = "internal"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeMissingCredential Code = "MISSING_CREDENTIAL"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodePlayerNotFound    Code = "PLAYER_NOT_FOUND"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeConnectionUnknown Code = "CONNECTION_NOT_FOUND"
	CodeReconnectLimit    Code = "RECONNECT_LIMIT"
	CodeZoneFull          Code = "ZONE_FULL"
	CodeSyncFailed        Code = "SYNC_FAILED"
	CodeStoreFailed       Code = "STORE_FAILED"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodeShuttingDown      Code = "SHUTTING_DOWN"
	CodeInternal          Code = "INTERNAL"
)

// Kind maps a code to its category.
func (c Code) Kind() Kind {
	switch c {
	case CodeMissingCredential, CodeInvalidCredential:
		return KindAuthentication
	case CodePlayerNotFound, CodeInvalidToken, CodeSessionNotFound, CodeConnectionUnknown:
		return KindNotFound
	case CodeReconnectLimit, CodeZoneFull:
		return KindCapacity
	default:
		return KindInternal
	}
}

// Error is a typed application error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so sentinel comparisons work
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the category of the error.
func (e *Error) Kind() Kind { return e.Code.Kind() }

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code and cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrMissingCredential = &Error{Code: CodeMissingCredential, Message: "missing credential"}
	ErrInvalidCredential = &Error{Code: CodeInvalidCredential, Message: "invalid credential"}
	ErrPlayerNotFound    = &Error{Code: CodePlayerNotFound, Message: "player not found"}
	ErrInvalidToken      = &Error{Code: CodeInvalidToken, Message: "invalid reconnect token"}
	ErrSessionNotFound   = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrConnectionUnknown = &Error{Code: CodeConnectionUnknown, Message: "connection not found"}
	ErrReconnectLimit    = &Error{Code: CodeReconnectLimit, Message: "reconnect attempts exhausted"}
	ErrZoneFull          = &Error{Code: CodeZoneFull, Message: "zone is full"}
	ErrShuttingDown      = &Error{Code: CodeShuttingDown, Message: "service is shutting down"}
)

// CodeOf extracts the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf extracts the category of err. Untyped errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindInternal
}
