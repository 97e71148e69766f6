package activity

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/wlanpi/wlanpi-core/internal/db"
	"github.com/wlanpi/wlanpi-core/internal/repository"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.RunMigrations(ctx, sqlDB))
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO devices (device_id, first_seen, last_seen) VALUES ('d1', datetime('now'), datetime('now'))`)
	require.NoError(t, err)
	return sqlDB
}

func TestRecordAlwaysWritesHistorical(t *testing.T) {
	sqlDB := testDB(t)
	r := New(sqlDB, 1000, 0)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "d1", "/system/device/info", 200))

	activityRepo := repository.NewActivityRepository(sqlDB)
	rows, err := activityRepo.List(ctx, "d1", 10, repository.ActivityHistorical)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRecordBuffersRecentOnlyWhenSignificant(t *testing.T) {
	sqlDB := testDB(t)
	r := New(sqlDB, 1000, 0)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "d1", "/health", 200))
	require.Len(t, r.recent, 0)

	require.NoError(t, r.Record(ctx, "d1", "/auth/token", 200))
	require.Len(t, r.recent, 1)

	require.NoError(t, r.Record(ctx, "d1", "/health", 500))
	require.Len(t, r.recent, 2)
}

func TestFlushWritesRecentAndStats(t *testing.T) {
	sqlDB := testDB(t)
	r := New(sqlDB, 1000, 0)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "d1", "/auth/token", 200))
	require.NoError(t, r.Record(ctx, "d1", "/network/wifi/scan", 200))

	require.NoError(t, r.Flush(ctx))

	require.Empty(t, r.recent)

	activityRepo := repository.NewActivityRepository(sqlDB)
	rows, err := activityRepo.List(ctx, "d1", 10, repository.ActivityRecent)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	statsRepo := repository.NewStatsRepository(sqlDB)
	stats, err := statsRepo.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.RequestCount)
	require.Equal(t, int64(2), stats.EndpointCount)
}

func TestFlushOnSizeThreshold(t *testing.T) {
	sqlDB := testDB(t)
	r := New(sqlDB, 2, 0)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "d1", "/auth/token", 200))
	require.NoError(t, r.Record(ctx, "d1", "/auth/revoke", 200))

	activityRepo := repository.NewActivityRepository(sqlDB)
	rows, err := activityRepo.List(ctx, "d1", 10, repository.ActivityRecent)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Empty(t, r.recent)
}
