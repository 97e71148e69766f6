package repository

import (
	"context"
	"fmt"
	"time"
)

// ActivityRepository provides typed access to device_activity (historical)
// and device_activity_recent (rolling).
type ActivityRepository struct {
	q Querier
}

func NewActivityRepository(q Querier) *ActivityRepository {
	return &ActivityRepository{q: q}
}

func tableFor(kind ActivityKind) string {
	if kind == ActivityRecent {
		return "device_activity_recent"
	}
	return "device_activity"
}

// Create inserts a single activity row of the given kind.
func (r *ActivityRepository) Create(ctx context.Context, deviceID, endpoint string, statusCode int, kind ActivityKind) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO %s (device_id, endpoint, status_code, created_at) VALUES (?, ?, ?, ?)`,
		tableFor(kind))
	if _, err := r.q.ExecContext(ctx, query, deviceID, endpoint, statusCode, now); err != nil {
		return wrapConstraint("create "+string(kind)+" activity", err)
	}
	return nil
}

// BulkCreate inserts every row in activities in a single round of
// statements (the caller is expected to run this inside a transaction for
// atomicity with the stats upsert it usually accompanies).
func (r *ActivityRepository) BulkCreate(ctx context.Context, activities []Activity, kind ActivityKind) error {
	if len(activities) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (device_id, endpoint, status_code, created_at) VALUES (?, ?, ?, ?)`,
		tableFor(kind))
	for _, a := range activities {
		if _, err := r.q.ExecContext(ctx, query, a.DeviceID, a.Endpoint, a.StatusCode, a.CreatedAt); err != nil {
			return wrapConstraint("bulk create "+string(kind)+" activity", err)
		}
	}
	return nil
}

// List returns up to limit rows of the given kind, newest first, optionally
// filtered to one device.
func (r *ActivityRepository) List(ctx context.Context, deviceID string, limit int, kind ActivityKind) ([]*Activity, error) {
	query := fmt.Sprintf(`SELECT id, device_id, endpoint, status_code, created_at FROM %s`, tableFor(kind))
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s activity: %w", kind, err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.Endpoint, &a.StatusCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// TrimRecentOlderThan deletes device_activity_recent rows older than
// cutoff, returning the number removed. Mirrors the cleanup_old_activity
// trigger so the sweeper's explicit pass and the trigger converge on the
// same retention window even on engines where the trigger doesn't fire
// (e.g. bulk inserts that bypass per-row triggers in some drivers).
func (r *ActivityRepository) TrimRecentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM device_activity_recent WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, wrapConstraint("trim recent activity", err)
	}
	return res.RowsAffected()
}
