package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Meta      *Meta       `json:"meta,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta represents response metadata
type Meta struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(contextKeyRequestID); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ListResponse sends a successful response with a count
func ListResponse(c *gin.Context, data interface{}, count int) {
	now := time.Now()
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Meta:      &Meta{Count: count, Timestamp: now},
		RequestID: requestID(c),
		Timestamp: now,
	})
}

// statusFor maps an error kind to an HTTP status
func statusFor(errorType errors.ErrorType) int {
	switch errorType {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeCanceled:
		return 499
	case errors.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeContainer, errors.ErrorTypeExternal, errors.ErrorTypeExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	apiError := &APIError{
		Code:    "UNKNOWN_ERROR",
		Message: "An unknown error occurred",
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		statusCode = statusFor(appErr.Type)
		apiError = &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
		}
		if len(appErr.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(appErr.Details))
			for k, v := range appErr.Details {
				apiError.Details[k] = v
			}
		}
	}

	_ = c.Error(err)
	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponseFromError(c, errors.NewValidationError(message))
}
