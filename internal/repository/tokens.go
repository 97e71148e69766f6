package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRepository provides typed access to the tokens table.
type TokenRepository struct {
	q Querier
}

func NewTokenRepository(q Querier) *TokenRepository {
	return &TokenRepository{q: q}
}

// GetByValue retrieves a token row by its wire string.
func (r *TokenRepository) GetByValue(ctx context.Context, value string) (*Token, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, token, device_id, key_id, expires_at, revoked, created_at
		 FROM tokens WHERE token = ?`, value)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetActiveForDevice lists tokens for device_id; when includeRevoked is
// false, only non-revoked, non-expired rows are returned.
func (r *TokenRepository) GetActiveForDevice(ctx context.Context, deviceID string, includeRevoked bool) ([]*Token, error) {
	query := `SELECT id, token, device_id, key_id, expires_at, revoked, created_at
	          FROM tokens WHERE device_id = ?`
	args := []any{deviceID}
	if !includeRevoked {
		query += ` AND revoked = FALSE AND expires_at > ?`
		args = append(args, time.Now().UTC())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get active tokens for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanTokenRows(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Create inserts a new token row and returns its assigned id. Retries on
// unique-constraint collision are the caller's responsibility (TokenManager
// retries up to 3 times on a fresh jti, per spec.md §4.5).
func (r *TokenRepository) Create(ctx context.Context, tokenValue, deviceID string, keyID int64, expiresAt time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO tokens (token, device_id, key_id, expires_at, revoked) VALUES (?, ?, ?, ?, FALSE)`,
		tokenValue, deviceID, keyID, expiresAt)
	if err != nil {
		return 0, wrapConstraint("create token", err)
	}
	return res.LastInsertId()
}

// Revoke flips revoked to true for the given token value. Returns the
// number of rows affected (0 means the token did not exist; the caller
// decides idempotency semantics from that).
func (r *TokenRepository) Revoke(ctx context.Context, tokenValue string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE token = ?`, tokenValue)
	if err != nil {
		return 0, wrapConstraint("revoke token", err)
	}
	return res.RowsAffected()
}

// RevokeAllExceptKey revokes every non-revoked token whose key_id differs
// from keepKeyID, used during rotation (spec.md I3).
func (r *TokenRepository) RevokeAllExceptKey(ctx context.Context, keepKeyID int64) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE tokens SET revoked = TRUE WHERE key_id != ? AND revoked = FALSE`, keepKeyID)
	if err != nil {
		return 0, wrapConstraint("revoke tokens for rotated keys", err)
	}
	return res.RowsAffected()
}

// PurgeExpired deletes rows that are both revoked and past expiry, returning
// the distinct key ids that were referenced (so the caller can re-validate
// the signing-key cache) and the row count deleted.
func (r *TokenRepository) PurgeExpired(ctx context.Context) (affectedKeyIDs []int64, deleted int64, err error) {
	now := time.Now().UTC()

	rows, err := r.q.QueryContext(ctx,
		`SELECT DISTINCT key_id FROM tokens WHERE revoked = TRUE AND expires_at < ?`, now)
	if err != nil {
		return nil, 0, fmt.Errorf("listing keys for expired tokens: %w", err)
	}
	for rows.Next() {
		var keyID int64
		if err := rows.Scan(&keyID); err != nil {
			rows.Close()
			return nil, 0, err
		}
		affectedKeyIDs = append(affectedKeyIDs, keyID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	res, err := r.q.ExecContext(ctx,
		`DELETE FROM tokens WHERE revoked = TRUE AND expires_at < ?`, now)
	if err != nil {
		return nil, 0, wrapConstraint("purge expired tokens", err)
	}
	deleted, err = res.RowsAffected()
	return affectedKeyIDs, deleted, err
}

func scanToken(row *sql.Row) (*Token, error) {
	return scanTokenAny(row)
}

func scanTokenRows(rows *sql.Rows) (*Token, error) {
	return scanTokenAny(rows)
}

func scanTokenAny(s rowScanner) (*Token, error) {
	var t Token
	if err := s.Scan(&t.ID, &t.Token, &t.DeviceID, &t.KeyID, &t.ExpiresAt, &t.Revoked, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
