// Package signingkey caches the single active HMAC signing key in memory so
// verifying a token never costs a database round trip in the common case,
// while keeping the database the source of truth for rotation (spec.md
// I1-I3: at most one active key; rotation deactivates the old one and
// revokes every token that doesn't reference the new one, atomically).
package signingkey

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/logger"
	"github.com/wlanpi/wlanpi-core/internal/repository"
	"github.com/wlanpi/wlanpi-core/internal/secrets"
)

const keyMaterialLen = 32

// Key is the decoded, ready-to-use form of a signing_keys row.
type Key struct {
	ID       int64
	Material []byte
	Active   bool
}

// Manager is a process-local cache over the signing_keys table. All
// mutating operations run inside a single database transaction; the cache
// is only updated after that transaction commits, so a rollback never
// leaves the cache pointing at a key the database doesn't have.
type Manager struct {
	db     *sql.DB
	store  *secrets.Store
	mu     sync.RWMutex
	byID   map[int64]*Key
	active *Key
}

func New(database *sql.DB, store *secrets.Store) *Manager {
	return &Manager{
		db:    database,
		store: store,
		byID:  make(map[int64]*Key),
	}
}

// GetActive returns the active signing key, creating the first key if the
// table is empty (the transient zero-active-keys state I1 allows).
func (m *Manager) GetActive(ctx context.Context) (*Key, error) {
	m.mu.RLock()
	if m.active != nil {
		k := m.active
		m.mu.RUnlock()
		return k, nil
	}
	m.mu.RUnlock()

	return m.loadOrBootstrapActive(ctx)
}

// Get returns the key with the given id, consulting the database on a
// cache miss.
func (m *Manager) Get(ctx context.Context, id int64) (*Key, error) {
	m.mu.RLock()
	if k, ok := m.byID[id]; ok {
		m.mu.RUnlock()
		return k, nil
	}
	m.mu.RUnlock()

	repo := repository.NewSigningKeyRepository(m.db)
	row, err := repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		m.Invalidate(id)
		return nil, apierr.NoActiveKey()
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "loading signing key", err)
	}
	key, err := m.decode(row)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.byID[key.ID] = key
	m.mu.Unlock()
	return key, nil
}

// loadOrBootstrapActive re-reads the active key from the database, creating
// one if none exists yet. Never holds the cache mutex across the database
// call.
func (m *Manager) loadOrBootstrapActive(ctx context.Context) (*Key, error) {
	repo := repository.NewSigningKeyRepository(m.db)

	row, err := repo.GetActive(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return m.createInitialKey(ctx, repo)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "loading active signing key", err)
	}

	key, err := m.decode(row)
	if err != nil {
		return nil, err
	}
	m.setActive(key)
	return key, nil
}

// createInitialKey provisions the first signing key the appliance ever
// uses. Runs in its own transaction so a concurrent GetActive either sees
// no row (and races to create one itself, tolerated since SQLite's single
// writer serializes the inserts and the loser simply reloads) or the
// committed row.
func (m *Manager) createInitialKey(ctx context.Context, repo *repository.SigningKeyRepository) (*Key, error) {
	log := logger.Security()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "beginning key bootstrap transaction", err)
	}
	defer tx.Rollback()

	txRepo := repository.NewSigningKeyRepository(tx)

	if existing, err := txRepo.GetActive(ctx); err == nil {
		key, err := m.decode(existing)
		if err != nil {
			return nil, err
		}
		m.setActive(key)
		return key, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "loading active signing key", err)
	}

	raw, err := secrets.GenerateKeyMaterial(keyMaterialLen)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeInternal, "generating signing key material", err)
	}
	encoded := secrets.EncodeKeyMaterial(raw)

	id, err := txRepo.Create(ctx, encoded, true)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "creating initial signing key", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "committing initial signing key", err)
	}

	row, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "reloading initial signing key", err)
	}
	key, err := m.decode(row)
	if err != nil {
		return nil, err
	}
	m.setActive(key)
	log.Info().Int64("key_id", id).Msg("bootstrapped initial signing key")
	return key, nil
}

// Rotate deactivates every active key, inserts a new active one, and
// revokes every token referencing a different key, all in one transaction
// (I2, I3). It returns the newly active key.
func (m *Manager) Rotate(ctx context.Context) (*Key, error) {
	log := logger.Security()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "beginning rotation transaction", err)
	}
	defer tx.Rollback()

	keyRepo := repository.NewSigningKeyRepository(tx)
	tokenRepo := repository.NewTokenRepository(tx)

	if _, err := keyRepo.DeactivateAllActive(ctx); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "deactivating signing keys", err)
	}

	raw, err := secrets.GenerateKeyMaterial(keyMaterialLen)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeInternal, "generating signing key material", err)
	}
	encoded := secrets.EncodeKeyMaterial(raw)

	newID, err := keyRepo.Create(ctx, encoded, true)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "creating rotated signing key", err)
	}

	revoked, err := tokenRepo.RevokeAllExceptKey(ctx, newID)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "revoking tokens for rotated keys", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "committing key rotation", err)
	}

	key := &Key{ID: newID, Material: raw, Active: true}

	m.mu.Lock()
	for id, k := range m.byID {
		if id != newID {
			k.Active = false
		}
	}
	m.byID[newID] = key
	m.active = key
	m.mu.Unlock()

	log.Info().Int64("new_key_id", newID).Int64("tokens_revoked", revoked).Msg("rotated signing key")
	return key, nil
}

// InvalidateMissingKeys drops the cache entries for ids (the key ids of
// tokens a purge just deleted), so the next Get for each re-reads the
// database. It does not check whether those rows still exist, and it never
// evicts the active key.
func (m *Manager) InvalidateMissingKeys(ids []int64) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if m.active != nil && m.active.ID == id {
			continue
		}
		delete(m.byID, id)
	}
}

// Invalidate drops a single cache entry, forcing the next Get/GetActive for
// it to re-read the database.
func (m *Manager) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	if m.active != nil && m.active.ID == id {
		m.active = nil
	}
}

func (m *Manager) setActive(k *Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[k.ID] = k
	m.active = k
}

func (m *Manager) decode(row *repository.SigningKey) (*Key, error) {
	raw, err := secrets.DecodeKeyMaterial(row.Key)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeDBIntegrity, "decoding signing key material", err)
	}
	return &Key{ID: row.ID, Material: raw, Active: row.Active}, nil
}
