package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SigningKeyRepository provides typed access to the signing_keys table.
type SigningKeyRepository struct {
	q Querier
}

func NewSigningKeyRepository(q Querier) *SigningKeyRepository {
	return &SigningKeyRepository{q: q}
}

func (r *SigningKeyRepository) GetByID(ctx context.Context, id int64) (*SigningKey, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, key, active, created_at FROM signing_keys WHERE id = ?`, id)
	return scanSigningKey(row)
}

// GetActive returns the single row with active=true, or ErrNotFound if none
// exists (spec.md I1: zero-or-one active key; zero is the transient state
// get_active_key resolves by creating one).
func (r *SigningKeyRepository) GetActive(ctx context.Context) (*SigningKey, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, key, active, created_at FROM signing_keys WHERE active = TRUE LIMIT 1`)
	return scanSigningKey(row)
}

// Create inserts a new key and returns its assigned id.
func (r *SigningKeyRepository) Create(ctx context.Context, keyMaterial string, active bool) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO signing_keys (key, active) VALUES (?, ?)`, keyMaterial, active)
	if err != nil {
		return 0, wrapConstraint("create signing key", err)
	}
	return res.LastInsertId()
}

// DeactivateAllActive flips every active=true row to false and returns how
// many rows were affected.
func (r *SigningKeyRepository) DeactivateAllActive(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE signing_keys SET active = FALSE WHERE active = TRUE`)
	if err != nil {
		return 0, wrapConstraint("deactivate active signing keys", err)
	}
	return res.RowsAffected()
}

// ListAll returns every key ordered by newest first, for the get_keys
// diagnostic operation.
func (r *SigningKeyRepository) ListAll(ctx context.Context) ([]*SigningKey, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, key, active, created_at FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*SigningKey
	for rows.Next() {
		k, err := scanSigningKeyRows(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountTokensForKey counts non-revoked tokens referencing id (matching the
// original's commented-out expiry filter: all non-revoked tokens count,
// regardless of whether they have since expired).
func (r *SigningKeyRepository) CountTokensForKey(ctx context.Context, id int64) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx,
		`SELECT count(*) FROM tokens WHERE key_id = ? AND revoked = FALSE`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tokens for key %d: %w", id, err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSigningKey(row *sql.Row) (*SigningKey, error) {
	k, err := scanSigningKeyAny(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

func scanSigningKeyRows(rows *sql.Rows) (*SigningKey, error) {
	return scanSigningKeyAny(rows)
}

func scanSigningKeyAny(s rowScanner) (*SigningKey, error) {
	var k SigningKey
	if err := s.Scan(&k.ID, &k.Key, &k.Active, &k.CreatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}
