// Package errors provides application error types for the LabScan admin.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These cover the failure kinds the core
// distinguishes: socket binds, frame parsing, registration auth, operator
// command validation, and agent socket I/O.
const (
	ErrCodeBindFailed     = "BIND_FAILED"
	ErrCodeParseError     = "PARSE_ERROR"
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeIOError        = "IO_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BindFailed creates an error for a failed socket bind.
func BindFailed(addr string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeBindFailed,
		Message:    fmt.Sprintf("failed to bind %s", addr),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ParseError creates an error for a malformed frame or payload.
func ParseError(what string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeParseError,
		Message:    fmt.Sprintf("failed to parse %s", what),
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// AuthFailed creates an error for a rejected registration secret.
func AuthFailed(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthFailed,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidCommand creates an error for a rejected operator command.
func InvalidCommand(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidCommand,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// IOError creates an error for a failed send or receive.
func IOError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIOError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsInvalidCommand checks if the error is an invalid command error.
func IsInvalidCommand(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidCommand
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
