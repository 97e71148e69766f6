package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/wlanpi/wlanpi-core/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	_, err = sqlDB.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, sqlDB))
	return sqlDB
}

func futureExpiry() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func TestSigningKeyGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewSigningKeyRepository(testDB(t))

	_, err := repo.GetByID(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSigningKeyGetActiveNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewSigningKeyRepository(testDB(t))

	_, err := repo.GetActive(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSigningKeyCreateDuplicateMaterialViolatesUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewSigningKeyRepository(testDB(t))

	_, err := repo.Create(ctx, "same-material", true)
	require.NoError(t, err)

	_, err = repo.Create(ctx, "same-material", false)
	require.Error(t, err, "the key column is UNIQUE; a duplicate insert must fail")
}

func TestSigningKeyDeactivateAllActive(t *testing.T) {
	ctx := context.Background()
	repo := NewSigningKeyRepository(testDB(t))

	id1, err := repo.Create(ctx, "key-1", true)
	require.NoError(t, err)
	id2, err := repo.Create(ctx, "key-2", false)
	require.NoError(t, err)

	affected, err := repo.DeactivateAllActive(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	k1, err := repo.GetByID(ctx, id1)
	require.NoError(t, err)
	require.False(t, k1.Active)

	k2, err := repo.GetByID(ctx, id2)
	require.NoError(t, err)
	require.False(t, k2.Active)
}

func TestTokenGetByValueNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository(testDB(t))

	_, err := repo.GetByValue(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTokenCreateRequiresKnownSigningKey(t *testing.T) {
	ctx := context.Background()
	sqlDB := testDB(t)
	repo := NewTokenRepository(sqlDB)

	_, err := repo.Create(ctx, "tok1", "d1", 999, futureExpiry())
	require.Error(t, err, "key_id has a FOREIGN KEY constraint against signing_keys")
}

func TestTokenCreateDuplicateValueViolatesUnique(t *testing.T) {
	ctx := context.Background()
	sqlDB := testDB(t)
	keyRepo := NewSigningKeyRepository(sqlDB)
	tokenRepo := NewTokenRepository(sqlDB)

	keyID, err := keyRepo.Create(ctx, "key-material", true)
	require.NoError(t, err)

	_, err = tokenRepo.Create(ctx, "dup-token", "d1", keyID, futureExpiry())
	require.NoError(t, err)

	_, err = tokenRepo.Create(ctx, "dup-token", "d2", keyID, futureExpiry())
	require.Error(t, err, "the token column is UNIQUE")
}

func TestTokenRevokeUnknownTokenAffectsNoRows(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository(testDB(t))

	affected, err := repo.Revoke(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Zero(t, affected)
}

func TestDeviceGetOrCreateThenTouchesLastSeen(t *testing.T) {
	ctx := context.Background()
	repo := NewDeviceRepository(testDB(t))

	first, err := repo.GetOrCreate(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "d1", first.DeviceID)

	second, err := repo.GetOrCreate(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, first.FirstSeen.Unix(), second.FirstSeen.Unix())
	require.False(t, second.LastSeen.Before(first.LastSeen))
}

func TestActivityTrimRecentOlderThan(t *testing.T) {
	ctx := context.Background()
	sqlDB := testDB(t)
	repo := NewActivityRepository(sqlDB)

	require.NoError(t, repo.Create(ctx, "d1", "/auth/token", 200, ActivityRecent))

	deleted, err := repo.TrimRecentOlderThan(ctx, futureExpiry())
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted, "a cutoff in the future must trim every existing row")

	rows, err := repo.List(ctx, "d1", 10, ActivityRecent)
	require.NoError(t, err)
	require.Empty(t, rows)
}
