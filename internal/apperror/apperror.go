// Package apperror defines the error taxonomy shared by every layer.
//
// Services return *AppError values that wrap one of the sentinel errors
// below. The HTTP layer (internal/response) is the only place that turns
// them into status codes, so the service layer never imports net/http.
//
//	service returns: apperror.Conflict("User already exists")
//	which wraps:     AppError{Err: ErrConflict, Message: "..."}
//	response maps:   errors.Is(err, ErrConflict) → 409
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream failure")
	ErrInternal     = errors.New("internal error")
)

type AppError struct {
	Err     error  // sentinel the error belongs to
	Message string // Human-readable error message
	Field   string // Optional: field causing the error

	// Status overrides the status code derived from Err. Zero means "derive".
	// A few account endpoints answer with codes that do not follow the
	// taxonomy (wrong password on login is a 404, for example) and clients
	// depend on them.
	Status int

	// Errors carries optional detail lines rendered in the envelope.
	Errors []string

	// Cause is the underlying infrastructure error, kept for logging only.
	// It is never rendered to the client.
	Cause error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStatus returns a copy of e that renders with the given status code.
func (e *AppError) WithStatus(status int) *AppError {
	c := *e
	c.Status = status
	return &c
}

// WithCause returns a copy of e that remembers the infrastructure error behind it.
func (e *AppError) WithCause(cause error) *AppError {
	c := *e
	c.Cause = cause
	return &c
}

func NotFound(message string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: message,
	}
}

// NotFoundID builds the classic "<resource> not found with id <id>" message.
func NotFoundID(resource, id string) *AppError {
	return NotFound(fmt.Sprintf("%s not found with id %s", resource, id))
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
	}
}

// Unauthorized is returned for missing, malformed, expired or stale credentials.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Upstream marks a failure of the media host or the external system of record.
func Upstream(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstream,
		Message: message,
		Cause:   cause,
	}
}

// Internal wraps an unexpected failure with a message safe to show clients.
func Internal(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: message,
		Cause:   cause,
	}
}
