package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/token"
)

// Handlers groups the request handlers behind the dependencies they need.
type Handlers struct {
	gate   *authgate.Gate
	tokens *token.Manager
}

// Health is unauthenticated; it exists for process supervisors and load
// balancers, not for clients of the credential API.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type issueTokenRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

type issueTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// IssueToken is the bootstrap endpoint (spec.md §7): loopback-only,
// HMAC-signed, it is the sole path by which a device with no prior token
// can obtain one.
func (h *Handlers) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("device_id is required"))
		return
	}

	signed, err := h.tokens.CreateToken(c.Request.Context(), req.DeviceID, 0)
	if err != nil {
		respondError(c, err)
		return
	}

	// The loopback HMAC path authenticates the caller, not a device; set
	// the device identity now so downstream activity recording and logging
	// attribute this request to the device the token was just issued for.
	c.Set(authgate.ContextDeviceID, req.DeviceID)

	c.JSON(http.StatusOK, issueTokenResponse{AccessToken: signed, TokenType: "bearer"})
}

type revokeTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type revokeTokenResponse struct {
	Revoked  bool   `json:"revoked"`
	DeviceID string `json:"device_id,omitempty"`
}

// Revoke flips a token's revoked flag. It is loopback-only and idempotent:
// revoking an already-revoked or unknown token is a 200 with revoked=false,
// not an error.
func (h *Handlers) Revoke(c *gin.Context) {
	var req revokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest("token is required"))
		return
	}

	result, err := h.tokens.RevokeToken(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.DeviceID != "" {
		c.Set(authgate.ContextDeviceID, result.DeviceID)
	}
	c.JSON(http.StatusOK, revokeTokenResponse{Revoked: result.Revoked, DeviceID: result.DeviceID})
}

// DeviceInfo is a feature-endpoint stand-in (SPEC_FULL.md §4.2): it exists
// only to give the bearer-token path something real to authorize, not to
// reimplement device introspection.
func (h *Handlers) DeviceInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device_id": authgate.DeviceID(c),
		"loopback":  authgate.IsLoopback(c),
	})
}

// WifiScan is a feature-endpoint stand-in returning a canned result; the
// real scan pipeline is out of scope (SPEC_FULL.md §4.2).
func (h *Handlers) WifiScan(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"networks": []gin.H{
			{"ssid": "example-network", "signal_dbm": -54, "channel": 36},
		},
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The capture stream has no browser client; CheckOrigin is a no-op
	// concern for a same-host appliance API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CaptureWS is a WebSocket upgrade stand-in for the out-of-scope
// packet-capture pipeline (SPEC_FULL.md §4.2): it upgrades, echoes one
// frame, and closes.
func (h *Handlers) CaptureWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	_ = conn.WriteMessage(msgType, msg)
}

type diagnosticsResponse struct {
	CacheState interface{} `json:"cache_state,omitempty"`
	DBState    token.DBState `json:"db_state"`
}

// AuthDiagnostics exposes verify_cache_state/verify_db_state (SPEC_FULL.md
// §4.1), restored from original_source/core/tokenmanager.py. It is
// loopback-only operational tooling, never reachable remotely.
func (h *Handlers) AuthDiagnostics(c *gin.Context) {
	dbState, err := h.tokens.VerifyDBState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := diagnosticsResponse{DBState: dbState}

	if probe := c.Query("token"); probe != "" {
		state, err := h.tokens.VerifyCacheState(probe)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.CacheState = state
	}

	c.JSON(http.StatusOK, resp)
}

func respondError(c *gin.Context, err error) {
	appErr, ok := apierr.As(err)
	if !ok {
		appErr = apierr.InternalServer("internal error", err)
	}
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}
