package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError means the caller sent malformed or missing input.
// Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validation builds a ValidationError with a formatted message.
func Validation(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError means identity verification failed or timed out after the
// configured retries. Maps to 401.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Msg
}

func Auth(format string, args ...interface{}) error {
	return &AuthError{Msg: fmt.Sprintf(format, args...)}
}

// PermissionError means the caller is authenticated but not entitled.
// Never retried. Maps to 403.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	return "permission: " + e.Msg
}

func Permission(format string, args ...interface{}) error {
	return &PermissionError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError means a referenced entity is absent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s", e.Kind, e.ID)
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError means the requested mutation contradicts current state
// (e.g. deleting a node that still owns bots). The caller has to resolve it.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Msg
}

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError wraps a store or identity-provider failure. Surfaced as 500
// once retries at the point of call are exhausted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// UpstreamTimeout means waiting for a node's command result exceeded the
// bound. The command may still complete later, so this is "outcome unknown",
// not failure.
type UpstreamTimeout struct {
	CommandID string
}

func (e *UpstreamTimeout) Error() string {
	return "timeout waiting for result of command " + e.CommandID
}

// HTTPStatus maps taxonomy errors to boundary status codes.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ae *AuthError
		pe *PermissionError
		ne *NotFoundError
		ce *ConflictError
		ut *UpstreamTimeout
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &pe):
		return http.StatusForbidden
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &ut):
		// Outcome unknown, not failure. The caller should keep watching.
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
