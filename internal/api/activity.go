package api

import (
	"github.com/gin-gonic/gin"

	"github.com/wlanpi/wlanpi-core/internal/activity"
	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/logger"
)

// recordActivity feeds every completed request into the activity recorder,
// keyed by whatever device identity the request ended up authenticating
// as (set by the bearer path, or by IssueToken itself on the loopback
// bootstrap path). Requests that never resolve a device id (failed
// loopback auth before a device_id was parsed) are not recorded; there is
// nothing to attribute them to.
func recordActivity(rec *activity.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		deviceID := authgate.DeviceID(c)
		if deviceID == "" {
			return
		}

		status := c.Writer.Status()
		if err := rec.Record(c.Request.Context(), deviceID, c.Request.URL.Path, status); err != nil {
			logger.Activity().Warn().Err(err).Str("device_id", deviceID).Msg("failed to record activity")
		}
	}
}
