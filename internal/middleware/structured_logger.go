// Package middleware provides HTTP middleware for the credential core's
// API surface. This file implements structured per-request logging via
// zerolog, correlated with the request ID middleware.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/logger"
)

// StructuredLoggerConfig controls which fields StructuredLogger emits.
type StructuredLoggerConfig struct {
	SkipPaths    []string
	LogQuery     bool
	LogUserAgent bool
}

func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{LogQuery: true, LogUserAgent: true}
}

// StructuredLogger logs every request at INFO (2xx/3xx), WARN (4xx), or
// ERROR (5xx), with request_id, device_id (when authenticated), and
// timing.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfig(DefaultStructuredLoggerConfig())
}

func StructuredLoggerWithConfig(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		entry := logger.HTTP().With().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Bool("loopback", authgate.IsLoopback(c)).
			Logger()

		if config.LogQuery && raw != "" {
			entry = entry.With().Str("query", raw).Logger()
		}
		if config.LogUserAgent {
			entry = entry.With().Str("user_agent", c.Request.UserAgent()).Logger()
		}
		if deviceID := authgate.DeviceID(c); deviceID != "" {
			entry = entry.With().Str("device_id", deviceID).Logger()
		}
		if len(c.Errors) > 0 {
			entry = entry.With().Str("errors", c.Errors.String()).Logger()
		}

		switch {
		case status >= 500:
			entry.Error().Msg("request completed")
		case status >= 400:
			entry.Warn().Msg("request completed")
		default:
			entry.Info().Msg("request completed")
		}
	}
}
