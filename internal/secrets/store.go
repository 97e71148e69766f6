// Package secrets provisions and protects the two long-lived secrets the
// auth core is rooted in: an HMAC shared secret used for the loopback
// signature path, and a symmetric encryption key behind Encrypt/Decrypt
// (authenticated encryption). Signing-key material in the database is stored
// base64-encoded and is not encrypted with this key. Both secrets are
// generated once, on first launch, and read from disk on every subsequent
// start.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/wlanpi/wlanpi-core/internal/apierr"
	"github.com/wlanpi/wlanpi-core/internal/logger"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	sharedSecretFile     = "shared_secret.bin"
	encryptionKeyFile    = "fernet_key.b64" // name kept from the original layout; content is a raw secretbox key
	sharedSecretLen      = 32
	encryptionKeyLen     = 32
	nonceLen             = 24
)

// Store holds the two secrets in memory for the lifetime of the process.
// Callers never see the raw encryption key; only Encrypt/Decrypt are
// exposed.
type Store struct {
	dir          string
	shared       [sharedSecretLen]byte
	encryptKey   [encryptionKeyLen]byte
}

// LoadOrCreate ensures dir exists with mode 0700 and that both secret files
// exist with mode 0600, generating any that are missing. It is idempotent:
// calling it again after a successful run reloads the same secrets.
func LoadOrCreate(dir string) (*Store, error) {
	log := logger.Security()

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeSecretsInitFailed, "failed to create secrets directory", err)
	}
	// MkdirAll does not change the mode of a pre-existing directory.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeSecretsInitFailed, "failed to secure secrets directory", err)
	}

	shared, err := loadOrGenerate(filepath.Join(dir, sharedSecretFile), sharedSecretLen)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeSecretsInitFailed, "failed to provision shared secret", err)
	}

	key, err := loadOrGenerate(filepath.Join(dir, encryptionKeyFile), encryptionKeyLen)
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrCodeSecretsInitFailed, "failed to provision encryption key", err)
	}

	s := &Store{dir: dir}
	copy(s.shared[:], shared)
	copy(s.encryptKey[:], key)

	log.Info().Str("dir", dir).Msg("secrets store ready")
	return s, nil
}

// loadOrGenerate reads raw bytes from path, creating the file atomically
// with cryptographically random content of the given length if it does not
// already exist. An existing but empty file is treated as a fatal
// misconfiguration rather than silently regenerated.
func loadOrGenerate(path string, length int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) == 0 {
			return nil, fmt.Errorf("secret file %s exists but is empty", path)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	if err := writeAtomic(path, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it into place, so a crash mid-write never leaves a truncated secret file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, fileMode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("securing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// SharedSecret returns the HMAC shared secret used to verify the loopback
// canonical-string signature. It is never written to a response.
func (s *Store) SharedSecret() []byte {
	out := make([]byte, sharedSecretLen)
	copy(out, s.shared[:])
	return out
}

// Encrypt authenticates and encrypts data with a fresh random nonce,
// returning nonce||ciphertext.
func (s *Store) Encrypt(data []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], data, &nonce, &s.encryptKey)
	return out, nil
}

// Decrypt verifies and decrypts data produced by Encrypt.
func (s *Store) Decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceLen {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], data[:nonceLen])
	out, ok := secretbox.Open(nil, data[nonceLen:], &nonce, &s.encryptKey)
	if !ok {
		return nil, fmt.Errorf("decryption failed: authentication mismatch")
	}
	return out, nil
}

// EncodeKeyMaterial renders raw signing-key bytes as URL-safe base64 text,
// the representation the signing_keys.key column stores (spec.md §3:
// "key: opaque 32-byte secret encoded as text").
func EncodeKeyMaterial(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeKeyMaterial reverses EncodeKeyMaterial.
func DecodeKeyMaterial(encoded string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(encoded)
}

// GenerateKeyMaterial returns fresh random bytes suitable for a new signing
// key.
func GenerateKeyMaterial(length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return buf, nil
}
