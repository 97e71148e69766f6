package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migrations is a numbered, append-only list of SQL scripts. Each entry's
// index in the slice (1-based, since index 0 creates schema_version itself)
// is its migration version; RunMigrations records applied versions in
// schema_version so a restart only applies what's new.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS signing_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		active BOOLEAN DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		key_id INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		revoked BOOLEAN DEFAULT FALSE,
		FOREIGN KEY (key_id) REFERENCES signing_keys (id)
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_device_id ON tokens(device_id);
	CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS device_activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_device ON device_activity(device_id);
	CREATE INDEX IF NOT EXISTS idx_activity_created ON device_activity(created_at)`,
	`CREATE TABLE IF NOT EXISTS device_stats (
		device_id TEXT PRIMARY KEY,
		request_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		endpoint_count INTEGER DEFAULT 0,
		last_activity TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS device_activity_recent (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_recent_device ON device_activity_recent(device_id);
	CREATE INDEX IF NOT EXISTS idx_activity_recent_created ON device_activity_recent(created_at)`,
	`CREATE TRIGGER IF NOT EXISTS cleanup_old_activity
	AFTER INSERT ON device_activity_recent
	BEGIN
		DELETE FROM device_activity_recent
		WHERE created_at < datetime('now', '-1 day');
	END`,
}

// getSchemaVersion returns the highest applied migration version, or 0 if
// none has been applied yet.
func getSchemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, nil
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// RunMigrations applies any migrations newer than the current schema
// version, inside a single transaction. Trigger definitions are executed
// as one statement; every other migration may contain multiple
// semicolon-separated statements.
func RunMigrations(ctx context.Context, sqlDB *sql.DB) error {
	if _, err := sqlDB.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getSchemaVersion(ctx, tx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i, migration := range migrations[1:] {
		version := i + 1
		if version <= current {
			continue
		}

		if strings.Contains(migration, "CREATE TRIGGER") {
			if _, err := tx.ExecContext(ctx, migration); err != nil {
				return fmt.Errorf("applying migration %d: %w", version, err)
			}
		} else {
			for _, stmt := range strings.Split(migration, ";") {
				stmt = strings.TrimSpace(stmt)
				if stmt == "" {
					continue
				}
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("applying migration %d: %w", version, err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
	}

	return tx.Commit()
}
