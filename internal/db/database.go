// Package db owns the embedded SQLite database: schema migrations,
// integrity verification, self-repair on corruption, and housekeeping
// (vacuum, backup, size checks). It is deliberately small and
// driver-specific — spec.md names SQLite's own PRAGMA vocabulary
// throughout, so this package is not written against a generic SQL
// abstraction.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/logger"
)

// Required indexes and journal mode, asserted by the integrity check.
const (
	requiredJournalMode = "wal"
	idxTokensDevice     = "idx_tokens_device_id"
	idxTokensExpires    = "idx_tokens_expires"
)

// connectionPragmas are applied to every connection this process opens.
var connectionPragmas = []string{
	"PRAGMA foreign_keys=ON",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA cache_size=-2000",
}

// Database wraps the single *sql.DB handle this process uses to talk to
// the embedded store. SQLite is single-writer; MaxOpenConns(1) gives every
// caller a serialized, thread-affine view of the connection without
// resorting to goroutine-local connection pinning.
type Database struct {
	path      string
	maxSizeMB int
	db        *sql.DB
	initMu    sync.Mutex // serializes startup recovery, per spec.md §4.2
}

// Open ensures path's parent directory exists, then brings the database to
// a ready state: create-from-migrations if missing, integrity-verify and
// self-heal if present.
func Open(ctx context.Context, path string, maxSizeMB int) (*Database, error) {
	d := &Database{path: path, maxSizeMB: maxSizeMB}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "failed to create database directory", err)
	}

	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

// DB exposes the underlying handle for the repository layer.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close releases the connection pool.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// ensureReady opens (or reopens) the database file, verifying integrity and
// recreating from scratch on any failure. Serialized so a concurrent
// request never observes a half-recovered database.
func (d *Database) ensureReady(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	log := logger.Database()

	_, statErr := os.Stat(d.path)
	missing := os.IsNotExist(statErr)

	if !missing {
		if err := d.open(); err != nil {
			log.Warn().Err(err).Msg("failed to open existing database, recreating")
			return d.recreate(ctx)
		}
		if err := d.checkIntegrity(ctx); err != nil {
			log.Warn().Err(err).Msg("integrity check failed, recreating database")
			d.db.Close()
			d.db = nil
			return d.recreate(ctx)
		}
		log.Info().Str("path", d.path).Msg("database integrity verified")
		return nil
	}

	return d.recreate(ctx)
}

// recreate deletes any existing file (ignoring a missing one) and builds a
// fresh database from the migration list. All prior state — keys, tokens,
// stats — is regenerable, so clients simply re-authenticate.
func (d *Database) recreate(ctx context.Context) error {
	log := logger.Database()

	if d.db != nil {
		d.db.Close()
		d.db = nil
	}
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.ErrCodeDBIntegrity, "failed to remove corrupt database file", err)
	}
	// WAL sidecars may outlive the main file.
	os.Remove(d.path + "-wal")
	os.Remove(d.path + "-shm")

	if err := d.open(); err != nil {
		return apierr.Wrap(apierr.ErrCodeDBIntegrity, "failed to create database", err)
	}

	if err := RunMigrations(ctx, d.db); err != nil {
		return apierr.Wrap(apierr.ErrCodeDBIntegrity, "failed to run migrations", err)
	}

	log.Info().Str("path", d.path).Msg("database (re)created from migrations")
	return nil
}

// open establishes the connection pool and applies the pragma set.
func (d *Database) open() error {
	sqlDB, err := sql.Open("sqlite", d.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range connectionPragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	d.db = sqlDB
	return nil
}

// checkIntegrity runs every check spec.md §4.2 names, in order, failing
// fast on the first problem found.
func (d *Database) checkIntegrity(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connectivity check: %w", err)
	}

	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		return fmt.Errorf("metadata query failed: %w", err)
	}

	var journalMode string
	if err := d.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("reading journal_mode: %w", err)
	}
	if journalMode != requiredJournalMode {
		return fmt.Errorf("journal_mode is %q, want %q", journalMode, requiredJournalMode)
	}

	indexes, err := d.listIndexes(ctx)
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}
	for _, required := range []string{idxTokensDevice, idxTokensExpires} {
		if !indexes[required] {
			return fmt.Errorf("required index %q missing", required)
		}
	}

	var integrityResult string
	if err := d.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity_check query: %w", err)
	}
	if integrityResult != "ok" {
		return fmt.Errorf("integrity_check reported %q", integrityResult)
	}

	rows, err := d.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign_key_check query: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return fmt.Errorf("foreign_key_check reported violations")
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating foreign_key_check: %w", err)
	}

	return nil
}

func (d *Database) listIndexes(ctx context.Context) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='index'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}

// Vacuum reclaims free space. It is safe to call at any time; SQLite
// acquires the locks it needs internally.
func (d *Database) Vacuum(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return apierr.Wrap(apierr.ErrCodeInternal, "vacuum failed", err)
	}
	return nil
}

// Backup copies the database file to destination using SQLite's own
// consistent-snapshot semantics (VACUUM INTO), refusing to run against a
// database that fails integrity verification first.
func (d *Database) Backup(ctx context.Context, destination string) error {
	if err := d.checkIntegrity(ctx); err != nil {
		return apierr.Wrap(apierr.ErrCodeDBIntegrity, "refusing to back up an unhealthy database", err)
	}
	_, err := d.db.ExecContext(ctx, "VACUUM INTO ?", destination)
	if err != nil {
		return apierr.Wrap(apierr.ErrCodeInternal, "backup failed", err)
	}
	return nil
}

// CheckSize reports whether the database file exceeds the configured
// maximum and the current size in bytes.
func (d *Database) CheckSize() (exceeded bool, sizeBytes int64, err error) {
	info, statErr := os.Stat(d.path)
	if statErr != nil {
		return false, 0, statErr
	}
	maxBytes := int64(d.maxSizeMB) * 1024 * 1024
	return info.Size() > maxBytes, info.Size(), nil
}
