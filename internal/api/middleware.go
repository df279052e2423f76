package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

const (
	contextKeyRequestID = "request_id"

	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

// CORSMiddleware allows the configured browser origins
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", headerRequestID, headerCorrelationID},
		ExposeHeaders:    []string{headerRequestID, headerCorrelationID},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}
	return cors.New(cfg)
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request and
// propagates the caller's correlation id into the request context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = requestID
		}

		c.Header(headerRequestID, requestID)
		c.Header(headerCorrelationID, correlationID)
		c.Set(contextKeyRequestID, requestID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Next()
	}
}

// LoggingMiddleware writes one structured record per request
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status_code": status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestID(c),
		})
		if traceID := tracing.GetTraceID(c.Request.Context()); traceID != "" {
			entry = entry.WithField("trace_id", traceID)
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.Last().Error())
		}

		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request completed")
		}
	}
}
