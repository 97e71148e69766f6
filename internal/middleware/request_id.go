// Package middleware provides the HTTP middleware chain for the auth core's
// gin router: request ID correlation, security headers, structured access
// logging, and request timeouts.
//
// This file implements request ID generation and correlation: every request
// is tagged with an id (the client's own X-Request-ID if it sent one,
// otherwise a generated UUIDv4), stored in the gin context and echoed back
// in the response header, so a device's bootstrap/revoke/diagnostics calls
// can be correlated across the access log and whatever the caller logs on
// its own side.
//
// Usage:
//
//	router.Use(middleware.RequestID())
//
//	func handler(c *gin.Context) {
//	    requestID := middleware.GetRequestID(c)
//	    log.Info().Str("request_id", requestID).Msg("issuing token")
//	}
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID
	RequestIDKey = "request_id"
)

// RequestID middleware generates or extracts a correlation ID for each request
// This enables request tracing across distributed systems and log correlation
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get request ID from header first (for distributed tracing)
		requestID := c.GetHeader(RequestIDHeader)

		// If not provided, generate a new UUID
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Store in context for use by handlers
		c.Set(RequestIDKey, requestID)

		// Set response header so client can reference this request
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
