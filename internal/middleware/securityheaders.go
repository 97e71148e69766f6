// Package middleware - securityheaders.go
//
// This file adds the baseline security headers appropriate to a JSON-only
// local API: no templates, no embedded iframes, no browser-rendered
// content, so the CSP/nonce machinery a browser-facing app needs doesn't
// apply here.
package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the header set appropriate for a JSON API with no
// rendered content of its own.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		c.Header("Server", "")
		c.Next()
	}
}
