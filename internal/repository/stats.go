package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StatsRepository provides typed access to device_stats and the joined
// operational views built on top of it.
type StatsRepository struct {
	q Querier
}

func NewStatsRepository(q Querier) *StatsRepository {
	return &StatsRepository{q: q}
}

// Get returns the device_stats row for deviceID, or ErrNotFound.
func (r *StatsRepository) Get(ctx context.Context, deviceID string) (*DeviceStats, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT device_id, request_count, error_count, endpoint_count, last_activity
		 FROM device_stats WHERE device_id = ?`, deviceID)
	var s DeviceStats
	err := row.Scan(&s.DeviceID, &s.RequestCount, &s.ErrorCount, &s.EndpointCount, &s.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device stats for %s: %w", deviceID, err)
	}
	return &s, nil
}

// Update applies deltas to device_stats, creating the row on first use. The
// insert-or-increment is a single statement so concurrent callers on the
// same connection serialize through SQLite's writer lock rather than racing
// a read-modify-write in Go (spec.md §4.3: stats upserts increment
// atomically). endpointCount, when non-negative, overwrites the stored
// distinct-endpoint count; pass -1 to leave it untouched.
func (r *StatsRepository) Update(ctx context.Context, deviceID string, requestDelta, errorDelta int64, endpointCount int64) error {
	now := time.Now().UTC()

	if endpointCount >= 0 {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO device_stats (device_id, request_count, error_count, endpoint_count, last_activity)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				request_count = request_count + excluded.request_count,
				error_count = error_count + excluded.error_count,
				endpoint_count = excluded.endpoint_count,
				last_activity = excluded.last_activity`,
			deviceID, requestDelta, errorDelta, endpointCount, now)
		if err != nil {
			return wrapConstraint("update device stats", err)
		}
		return nil
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO device_stats (device_id, request_count, error_count, endpoint_count, last_activity)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			error_count = error_count + excluded.error_count,
			last_activity = excluded.last_activity`,
		deviceID, requestDelta, errorDelta, now)
	if err != nil {
		return wrapConstraint("update device stats", err)
	}
	return nil
}

// GetDeviceStats returns the joined token + stats + activity view for a
// single device (get_device_stats in the original).
func (r *StatsRepository) GetDeviceStats(ctx context.Context, deviceID string) (*DeviceStatSummary, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT
			d.device_id,
			t.created_at,
			t.expires_at,
			t.revoked,
			COALESCE(s.request_count, 0),
			COALESCE(s.error_count, 0),
			COALESCE(s.endpoint_count, 0),
			s.last_activity
		FROM devices d
		LEFT JOIN device_stats s ON s.device_id = d.device_id
		LEFT JOIN tokens t ON t.device_id = d.device_id
		WHERE d.device_id = ?
		ORDER BY t.created_at DESC
		LIMIT 1`, deviceID)

	var sum DeviceStatSummary
	var created, expires sql.NullTime
	var revoked sql.NullBool
	var lastActivity sql.NullTime
	err := row.Scan(&sum.DeviceID, &created, &expires, &revoked,
		&sum.TotalRequests, &sum.ErrorCount, &sum.UniqueEndpoints, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device stats summary for %s: %w", deviceID, err)
	}
	if created.Valid {
		sum.TokenCreated = &created.Time
	}
	if expires.Valid {
		sum.TokenExpires = &expires.Time
	}
	if revoked.Valid {
		sum.TokenRevoked = &revoked.Bool
	}
	if lastActivity.Valid {
		sum.LastActivity = &lastActivity.Time
	}
	return &sum, nil
}

// ActiveDevices joins tokens and device_stats for every device holding a
// currently valid (non-expired, non-revoked) token (get_active_devices).
func (r *StatsRepository) ActiveDevices(ctx context.Context) ([]*ActiveDeviceSummary, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT
			t.device_id,
			t.created_at,
			t.expires_at,
			COALESCE(s.request_count, 0),
			s.last_activity
		FROM tokens t
		LEFT JOIN device_stats s ON s.device_id = t.device_id
		WHERE t.revoked = FALSE AND t.expires_at > ?
		ORDER BY t.created_at DESC`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	defer rows.Close()

	var out []*ActiveDeviceSummary
	for rows.Next() {
		var a ActiveDeviceSummary
		var lastActivity sql.NullTime
		if err := rows.Scan(&a.DeviceID, &a.TokenCreated, &a.TokenExpires, &a.ActivityCount, &lastActivity); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			a.LastActivity = &lastActivity.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
