// Package token implements the credential core's JWT lifecycle: issuance,
// verification, and revocation. It is the only package that signs or
// parses a token string; callers interact with it through DeviceID-scoped
// operations and never see raw JWT internals.
package token

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/repository"
	"github.com/wlanpi/wlanpi-core/internal/signingkey"
	"github.com/wlanpi/wlanpi-core/internal/tokencache"
)

const maxCreateRetries = 3

// Manager issues, verifies, and revokes device tokens.
type Manager struct {
	db       *sql.DB
	keys     *signingkey.Manager
	cache    *tokencache.Cache
	issuer   string
	ttl      time.Duration
	validate bool // time_validation_enabled, spec.md open question: defaults true
}

func New(database *sql.DB, keys *signingkey.Manager, cache *tokencache.Cache, issuer string, ttl time.Duration, timeValidation bool) *Manager {
	return &Manager{
		db:       database,
		keys:     keys,
		cache:    cache,
		issuer:   issuer,
		ttl:      ttl,
		validate: timeValidation,
	}
}

// CreateToken issues a new token for deviceID, recording the device's
// first/last-seen timestamps and persisting the token row in one
// transaction. A jti collision (astronomically unlikely at 16 hex
// characters, but the schema enforces token uniqueness) is retried up to
// maxCreateRetries times with a fresh jti.
func (m *Manager) CreateToken(ctx context.Context, deviceID string, ttlOverride time.Duration) (string, error) {
	if deviceID == "" {
		return "", apierr.New(apierr.ErrCodeDeviceIDRequired, "device_id is required")
	}

	ttl := m.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	key, err := m.keys.GetActive(ctx)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		signed, expiresAt, insertErr := m.createOnce(ctx, deviceID, key, ttl)
		if insertErr == nil {
			return signed, nil
		}
		lastErr = insertErr
		logger.Token().Warn().Err(insertErr).Str("device_id", deviceID).Int("attempt", attempt+1).
			Msg("token creation retrying after insert failure")
		_ = expiresAt
	}
	return "", apierr.Wrap(apierr.ErrCodeDBIntegrity, "failed to create token after retries", lastErr)
}

func (m *Manager) createOnce(ctx context.Context, deviceID string, key *signingkey.Key, ttl time.Duration) (string, time.Time, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("beginning token creation transaction: %w", err)
	}
	defer tx.Rollback()

	deviceRepo := repository.NewDeviceRepository(tx)
	if _, err := deviceRepo.GetOrCreate(ctx, deviceID); err != nil {
		return "", time.Time{}, fmt.Errorf("recording device: %w", err)
	}

	jti, err := newJTI()
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	claims := Claims{
		DeviceID: deviceID,
		KeyID:    key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := jwtToken.SignedString(key.Material)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	tokenRepo := repository.NewTokenRepository(tx)
	if _, err := tokenRepo.Create(ctx, signed, deviceID, key.ID, expiresAt); err != nil {
		return "", time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return "", time.Time{}, fmt.Errorf("committing token creation: %w", err)
	}

	m.cache.CacheToken(signed, tokencache.Claims{
		Subject:   deviceID,
		Issuer:    m.issuer,
		DeviceID:  deviceID,
		KeyID:     key.ID,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})

	return signed, expiresAt, nil
}

// ValidationResult is the outcome of VerifyToken.
type ValidationResult struct {
	Valid    bool
	DeviceID string
	KeyID    int64
	JTI      string
}

// VerifyToken validates a token string end to end: structural well-
// formedness, signature, required claims, issuer, and (when enabled)
// expiration, consulting the positive/negative cache before touching the
// database.
func (m *Manager) VerifyToken(ctx context.Context, rawToken string) (*ValidationResult, error) {
	normalized, err := normalize(rawToken)
	if err != nil {
		return nil, apierr.New(apierr.ErrCodeTokenMalformed, "malformed token")
	}

	if m.cache.IsKnownInvalid(normalized) {
		return nil, apierr.TokenNotFound()
	}
	if claims, ok := m.cache.Get(normalized); ok {
		return &ValidationResult{Valid: true, DeviceID: claims.DeviceID, KeyID: claims.KeyID, JTI: claims.JTI}, nil
	}

	repo := repository.NewTokenRepository(m.db)
	row, err := repo.GetByValue(ctx, normalized)
	if errors.Is(err, repository.ErrNotFound) {
		m.cache.Invalidate(normalized)
		return nil, apierr.TokenNotFound()
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "looking up token", err)
	}
	if row.Revoked {
		m.cache.Invalidate(normalized)
		return nil, apierr.TokenRevoked()
	}

	key, err := m.keys.Get(ctx, row.KeyID)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(normalized, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key.Material, nil
	}, jwt.WithoutClaimsValidation()) // exp is checked below, only when time validation is enabled
	if err != nil || !parsed.Valid {
		m.cache.Invalidate(normalized)
		return nil, apierr.New(apierr.ErrCodeSignatureInvalid, "token signature verification failed")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		m.cache.Invalidate(normalized)
		return nil, apierr.New(apierr.ErrCodeTokenMalformed, "unexpected claims shape")
	}

	if claims.Issuer != m.issuer || claims.DeviceID == "" || claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		m.cache.Invalidate(normalized)
		return nil, apierr.New(apierr.ErrCodeTokenMalformed, "missing required claims")
	}

	if m.validate {
		if m.cache.CheckExpired(claims.ExpiresAt.Unix()) {
			m.cache.Invalidate(normalized)
			return nil, apierr.TokenExpired()
		}
	}

	m.cache.CacheToken(normalized, tokencache.Claims{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		DeviceID:  claims.DeviceID,
		KeyID:     claims.KeyID,
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	})

	return &ValidationResult{Valid: true, DeviceID: claims.DeviceID, KeyID: claims.KeyID, JTI: claims.ID}, nil
}

// RevokeResult is the outcome of RevokeToken.
type RevokeResult struct {
	Revoked  bool
	DeviceID string
}

// RevokeToken marks a token revoked. Revoking an already-revoked or
// unknown token is not an error; the caller gets Revoked=false to tell the
// two apart from a fresh revocation.
func (m *Manager) RevokeToken(ctx context.Context, rawToken string) (*RevokeResult, error) {
	normalized, err := normalize(rawToken)
	if err != nil {
		return nil, apierr.New(apierr.ErrCodeTokenMalformed, "malformed token")
	}

	repo := repository.NewTokenRepository(m.db)
	row, err := repo.GetByValue(ctx, normalized)
	if errors.Is(err, repository.ErrNotFound) {
		return &RevokeResult{Revoked: false}, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "looking up token to revoke", err)
	}

	affected, err := repo.Revoke(ctx, normalized)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "revoking token", err)
	}

	m.cache.Invalidate(normalized)

	return &RevokeResult{Revoked: affected > 0, DeviceID: row.DeviceID}, nil
}

// RotateKey deactivates the current signing key, activates a new one, and
// revokes every token that doesn't reference the new key, all atomically
// (spec.md I2, I3). The token cache is cleared afterward since every
// previously cached positive verdict may now be stale.
func (m *Manager) RotateKey(ctx context.Context) (*signingkey.Key, error) {
	key, err := m.keys.Rotate(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Clear()
	return key, nil
}

// PurgeExpiredTokens deletes tokens that are both revoked and past
// expiration, and drops the key manager's cache entries for the keys those
// tokens referenced (except the active key).
func (m *Manager) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	repo := repository.NewTokenRepository(m.db)
	affectedKeys, deleted, err := repo.PurgeExpired(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.ErrCodeDBIntegrity, "purging expired tokens", err)
	}
	m.keys.InvalidateMissingKeys(affectedKeys)
	if deleted > 0 {
		logger.Retention().Info().Int64("deleted", deleted).Msg("purged expired tokens")
	}
	return deleted, nil
}

// GetKeys lists every signing key (diagnostic/operational use).
func (m *Manager) GetKeys(ctx context.Context) ([]*repository.SigningKey, error) {
	return repository.NewSigningKeyRepository(m.db).ListAll(ctx)
}

// CountTokensForKey reports how many non-revoked tokens reference a key.
func (m *Manager) CountTokensForKey(ctx context.Context, keyID int64) (int64, error) {
	return repository.NewSigningKeyRepository(m.db).CountTokensForKey(ctx, keyID)
}

// VerifyCacheState reports the in-memory cache state for a token, without
// touching the database, for the verify_cache_state diagnostic.
func (m *Manager) VerifyCacheState(rawToken string) (tokencache.DebugState, error) {
	normalized, err := normalize(rawToken)
	if err != nil {
		return tokencache.DebugState{}, apierr.New(apierr.ErrCodeTokenMalformed, "malformed token")
	}
	return m.cache.DebugState(normalized), nil
}

// DBState summarizes the database's view of the signing-key table, for the
// verify_db_state diagnostic.
type DBState struct {
	ActiveKeyID    int64
	ActiveKeyFound bool
	TotalKeys      int
}

// VerifyDBState inspects the signing_keys table directly, bypassing cache.
func (m *Manager) VerifyDBState(ctx context.Context) (DBState, error) {
	repo := repository.NewSigningKeyRepository(m.db)
	keys, err := repo.ListAll(ctx)
	if err != nil {
		return DBState{}, apierr.Wrap(apierr.ErrCodeDBIntegrity, "listing signing keys", err)
	}
	state := DBState{TotalKeys: len(keys)}
	for _, k := range keys {
		if k.Active {
			state.ActiveKeyID = k.ID
			state.ActiveKeyFound = true
			break
		}
	}
	return state, nil
}

// normalize strips surrounding quotes/whitespace a client may have
// included and validates the three-segment JWT shape before any parsing
// is attempted.
func normalize(raw string) (string, error) {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, `"`)
	parts := strings.Split(t, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token does not have 3 segments")
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("token has an empty segment")
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return "", fmt.Errorf("invalid base64url segment: %w", err)
		}
	}
	return t, nil
}
