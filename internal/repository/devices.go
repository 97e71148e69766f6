package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceRepository provides typed access to the devices table.
type DeviceRepository struct {
	q Querier
}

func NewDeviceRepository(q Querier) *DeviceRepository {
	return &DeviceRepository{q: q}
}

// GetOrCreate returns the device row for deviceID, creating it if absent,
// and bumps last_seen to now either way.
func (r *DeviceRepository) GetOrCreate(ctx context.Context, deviceID string) (*Device, error) {
	now := time.Now().UTC()

	row := r.q.QueryRowContext(ctx,
		`SELECT device_id, first_seen, last_seen FROM devices WHERE device_id = ?`, deviceID)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.q.ExecContext(ctx,
			`INSERT INTO devices (device_id, first_seen, last_seen) VALUES (?, ?, ?)`,
			deviceID, now, now); err != nil {
			return nil, wrapConstraint("create device", err)
		}
		return &Device{DeviceID: deviceID, FirstSeen: now, LastSeen: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}

	if _, err := r.q.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE device_id = ?`, now, deviceID); err != nil {
		return nil, wrapConstraint("touch device", err)
	}
	dev.LastSeen = now
	return dev, nil
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	if err := row.Scan(&d.DeviceID, &d.FirstSeen, &d.LastSeen); err != nil {
		return nil, err
	}
	return &d, nil
}
