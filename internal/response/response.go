// Package response writes the JSON envelope every API endpoint answers with.
//
// ENVELOPE SHAPE:
// Success and failure share one shape so the client can always read the
// same fields:
//
//	{"statusCode":200,"data":{...},"message":"User logged in successfully","success":true}
//	{"statusCode":409,"data":null,"message":"User already exists","success":false}
//
// success is derived from the status code (< 400), never set by hand.
//
// WHY A SEPARATE PACKAGE?
// Both the handlers and the auth gate in internal/auth need to write error
// envelopes. Keeping the writer here lets auth use it without importing the
// handler package (which itself imports auth).
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/user-api/internal/apperror"
)

// Envelope is the JSON body of every API response.
type Envelope struct {
	StatusCode int      `json:"statusCode"`
	Data       any      `json:"data"`
	Message    string   `json:"message"`
	Success    bool     `json:"success"`
	Errors     []string `json:"errors,omitempty"`
}

// New builds an envelope, deriving Success from the status code.
func New(status int, data any, message string) Envelope {
	return Envelope{
		StatusCode: status,
		Data:       data,
		Message:    message,
		Success:    status < http.StatusBadRequest,
	}
}

// JSON writes data wrapped in an envelope with the given status.
func JSON(w http.ResponseWriter, status int, data any, message string) {
	write(w, status, New(status, data, message))
}

// Error maps err to an HTTP status and writes a failure envelope.
//
// ERROR MAPPING:
// This is the single place domain errors become HTTP. AppError.Status wins
// when set; otherwise the sentinel decides:
//
//	ErrValidation   → 400
//	ErrUnauthorized → 401
//	ErrNotFound     → 404
//	ErrConflict     → 409
//	ErrUpstream     → 500
//	anything else   → 500 "Internal Server Error"
//
// Unknown errors are logged with their full text and replaced by a generic
// message, so SQL fragments or hostnames never reach the client.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		logger.Error("unhandled error", slog.String("error", err.Error()))
		write(w, http.StatusInternalServerError, New(http.StatusInternalServerError, nil, "Internal Server Error"))
		return
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		attrs := []any{slog.Int("status", status), slog.String("message", appErr.Message)}
		if appErr.Cause != nil {
			attrs = append(attrs, slog.String("cause", appErr.Cause.Error()))
		}
		logger.Error("request failed", attrs...)
	}

	env := New(status, nil, appErr.Message)
	env.Errors = appErr.Errors
	write(w, status, env)
}

// StatusFor returns the HTTP status an error renders with.
func StatusFor(err error) int {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}

	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// write sends the envelope. Headers must be set before WriteHeader, and
// WriteHeader before the body, or they are silently dropped.
func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		// Headers are already sent; logging is all that is left.
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}
