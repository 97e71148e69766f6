// Package api wires the credential core's HTTP surface: the bootstrap
// token endpoint, the loopback-only diagnostics endpoint, and a handful
// of feature-endpoint stand-ins that give the auth gate real traffic to
// police end to end.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/wlanpi/wlanpi-core/internal/activity"
	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/middleware"
	"github.com/wlanpi/wlanpi-core/internal/token"
)

// Dependencies are the components a Handlers needs; main wires these up
// once at startup.
type Dependencies struct {
	Gate     *authgate.Gate
	Tokens   *token.Manager
	Recorder *activity.Recorder
}

// NewRouter builds the gin engine with the full middleware chain and every
// route this appliance exposes.
func NewRouter(deps Dependencies, logConfig middleware.StructuredLoggerConfig, timeoutConfig middleware.TimeoutConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.StructuredLoggerWithConfig(logConfig))
	r.Use(middleware.Timeout(timeoutConfig))
	if deps.Recorder != nil {
		r.Use(recordActivity(deps.Recorder))
	}

	h := &Handlers{gate: deps.Gate, tokens: deps.Tokens}

	r.GET("/health", h.Health)

	auth := r.Group("/auth")
	{
		auth.POST("/token", deps.Gate.RequireLoopback(), h.IssueToken)
		auth.POST("/revoke", deps.Gate.RequireLoopback(), h.Revoke)
	}

	system := r.Group("/system")
	{
		system.GET("/device/info", deps.Gate.RequireAuth(), h.DeviceInfo)
		system.GET("/auth/diagnostics", deps.Gate.RequireLoopback(), h.AuthDiagnostics)
	}

	network := r.Group("/network")
	{
		network.GET("/wifi/scan", deps.Gate.RequireAuth(), h.WifiScan)
	}

	diagnostics := r.Group("/diagnostics")
	{
		diagnostics.GET("/capture/ws", deps.Gate.RequireAuth(), h.CaptureWS)
	}

	return r
}
