package repository

import "time"

// SigningKey mirrors the signing_keys table. Key holds the base64url-encoded
// key material (internal/secrets.EncodeKeyMaterial); it is stored as is, not
// encrypted with the secrets store's key.
type SigningKey struct {
	ID        int64
	Key       string
	Active    bool
	CreatedAt time.Time
}

// Token mirrors the tokens table.
type Token struct {
	ID        int64
	Token     string
	DeviceID  string
	KeyID     int64
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Device mirrors the devices table.
type Device struct {
	DeviceID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// DeviceStats mirrors the device_stats table.
type DeviceStats struct {
	DeviceID      string
	RequestCount  int64
	ErrorCount    int64
	EndpointCount int64
	LastActivity  time.Time
}

// ActivityKind distinguishes the durable historical log from the rolling
// recent-events buffer; both share a row shape.
type ActivityKind string

const (
	ActivityHistorical ActivityKind = "historical"
	ActivityRecent     ActivityKind = "recent"
)

// Activity mirrors a row of device_activity or device_activity_recent.
type Activity struct {
	ID         int64
	DeviceID   string
	Endpoint   string
	StatusCode int
	CreatedAt  time.Time
}

// DeviceStatSummary is the joined view returned to operational tooling
// (get_device_stats in the original).
type DeviceStatSummary struct {
	DeviceID      string
	TokenCreated  *time.Time
	TokenExpires  *time.Time
	TokenRevoked  *bool
	TotalRequests int64
	ErrorCount    int64
	UniqueEndpoints int64
	LastActivity  *time.Time
}

// ActiveDeviceSummary is one row of the "active devices" operational view.
type ActiveDeviceSummary struct {
	DeviceID      string
	TokenCreated  time.Time
	TokenExpires  time.Time
	ActivityCount int64
	LastActivity  *time.Time
}
