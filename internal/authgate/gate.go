// Package authgate implements the per-request authentication policy: a
// loopback client must present an HMAC-signed canonical string, a remote
// client must present a bearer token (spec.md §4.7). It owns no state of
// its own beyond the shared secret and a reference to the token manager.
package authgate

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/secrets"
	"github.com/wlanpi/wlanpi-core/internal/token"
)

const (
	signatureHeader         = "X-Request-Signature"
	requiresSignatureHeader = "X-Requires-Signature"

	// ContextDeviceID is the gin context key a handler reads to learn which
	// device authenticated the request.
	ContextDeviceID = "authgate_device_id"
	// ContextLoopback records whether the request was classified loopback.
	ContextLoopback = "authgate_loopback"
)

// Gate is the dual-authentication policy object.
type Gate struct {
	store  *secrets.Store
	tokens *token.Manager
}

func New(store *secrets.Store, tokens *token.Manager) *Gate {
	return &Gate{store: store, tokens: tokens}
}

// RequireAuth is the general-purpose middleware: loopback clients must
// sign, remote clients must bear a token. Use RequireLoopback instead for
// routes that must never be reachable remotely (e.g. POST /auth/token).
func (g *Gate) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		loopback := g.isLoopback(c.Request)
		c.Set(ContextLoopback, loopback)

		if loopback {
			g.requireHMAC(c)
			return
		}
		g.requireBearer(c)
	}
}

// RequireLoopback rejects any request not originating from loopback before
// applying the HMAC check, for endpoints that must never be reachable
// remotely even with a signature.
func (g *Gate) RequireLoopback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.isLoopback(c.Request) {
			abort(c, apierr.Forbidden("endpoint available only on localhost"))
			return
		}
		c.Set(ContextLoopback, true)
		g.requireHMAC(c)
	}
}

func (g *Gate) requireHMAC(c *gin.Context) {
	provided := c.GetHeader(signatureHeader)
	if provided == "" {
		c.Header(requiresSignatureHeader, "true")
		abort(c, apierr.SignatureMissing())
		return
	}

	body, err := readAndRestoreBody(c.Request)
	if err != nil {
		abort(c, apierr.Wrap(apierr.ErrCodeInternal, "failed to read request body", err))
		return
	}

	canonical := canonicalString(c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery, body)
	if !verifySignature(g.store.SharedSecret(), canonical, strings.ToLower(provided)) {
		abort(c, apierr.SignatureInvalid())
		return
	}

	c.Next()
}

func (g *Gate) requireBearer(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) || len(auth) <= len(prefix) {
		abort(c, apierr.BearerRequired())
		return
	}
	raw := strings.TrimSpace(auth[len(prefix):])

	result, err := g.tokens.VerifyToken(c.Request.Context(), raw)
	if err != nil {
		logger.Security().Debug().Err(err).Msg("bearer verification failed")
		abort(c, apierr.Unauthorized("unauthorized"))
		return
	}

	c.Set(ContextDeviceID, result.DeviceID)
	c.Next()
}

// isLoopback classifies the request's origin per spec.md §4.7's header
// precedence: X-Real-IP, then the first X-Forwarded-For entry, then the
// transport peer address. Absence of any source fails closed (deny).
func (g *Gate) isLoopback(r *http.Request) bool {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return classifyLoopback(realIP)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if candidate := firstForwardedFor(xff); candidate != "" {
			return classifyLoopback(candidate)
		}
	}
	if r.RemoteAddr != "" {
		return classifyLoopback(r.RemoteAddr)
	}
	return false
}

// readAndRestoreBody drains the request body for canonicalization and
// rewinds it so downstream JSON binding still works.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func abort(c *gin.Context, err *apierr.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}

// DeviceID returns the authenticated device id set by RequireAuth's bearer
// path, empty for loopback-authenticated requests (which carry no device
// identity of their own until the handler reads one from the body).
func DeviceID(c *gin.Context) string {
	if v, ok := c.Get(ContextDeviceID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsLoopback returns whether the current request was classified loopback.
func IsLoopback(c *gin.Context) bool {
	if v, ok := c.Get(ContextLoopback); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
