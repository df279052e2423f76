package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the kind of an error. Retry classification works on
// these kinds rather than on concrete Go types.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeCanceled       ErrorType = "canceled"
	ErrorTypeContainer      ErrorType = "container"
	ErrorTypeCommandFailed  ErrorType = "command_failed"
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeExhausted      ErrorType = "exhausted"
)

// Detail keys shared by every layer that annotates errors.
const (
	DetailCorrelationID = "correlation_id"
	DetailExecutionID   = "execution_id"
	DetailOperation     = "operation"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value or "" when absent.
func (e *AppError) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

func (e *AppError) clone() *AppError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	return &cp
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation)).
		WithDetail(DetailOperation, operation)
}

// NewContainerError reports a failure of the container runtime itself
// (start, inspect, exec plumbing), as opposed to a command exiting non-zero.
func NewContainerError(containerID, message string) *AppError {
	return NewAppError(ErrorTypeContainer, "CONTAINER_ERROR", message).
		WithDetail("container_id", containerID)
}

// NewCommandFailedError reports a command that ran and exited non-zero.
func NewCommandFailedError(command string, exitCode int) *AppError {
	return NewAppError(ErrorTypeCommandFailed, "COMMAND_FAILED",
		fmt.Sprintf("command %q exited with code %d", command, exitCode)).
		WithDetail("command", command).
		WithDetail("exit_code", fmt.Sprintf("%d", exitCode))
}

// NewCircuitOpenError is returned when a circuit breaker rejects a call.
func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "SERVICE_UNAVAILABLE",
		fmt.Sprintf("circuit breaker %q is open", name)).
		WithDetail("circuit_breaker", name)
}

// NewExhaustedError is returned when every attempt failed and no fallback
// was configured. The last underlying error is the cause.
func NewExhaustedError(operation string, attempts int, last error) *AppError {
	return NewAppError(ErrorTypeExhausted, "RETRIES_EXHAUSTED",
		fmt.Sprintf("%s failed after %d attempts", operation, attempts)).
		WithDetail(DetailOperation, operation).
		WithDetail("attempts", fmt.Sprintf("%d", attempts)).
		WithCause(last)
}

// WithTrace returns err annotated with correlation and execution ids. An
// AppError is copied so the caller's value is not mutated; any other error
// is wrapped as its classified kind with the original kept as the cause.
func WithTrace(err error, correlationID, executionID string) error {
	if err == nil {
		return nil
	}

	var out *AppError
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr == err {
		out = appErr.clone()
	} else {
		out = NewAppError(GetType(err), GetCode(err), err.Error()).WithCause(err)
	}

	if correlationID != "" {
		out.WithDetail(DetailCorrelationID, correlationID)
	}
	if executionID != "" {
		out.WithDetail(DetailExecutionID, executionID)
	}
	return out
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	return err != nil && GetType(err) == errorType
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	switch GetType(err) {
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeCanceled:
		return "CANCELED"
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error kind. Context deadline and cancellation map to
// their own kinds; anything unrecognised is internal.
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	return ErrorTypeInternal
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
