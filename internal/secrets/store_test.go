package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesSecrets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	store, err := LoadOrCreate(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(dirMode), info.Mode().Perm())

	secretInfo, err := os.Stat(filepath.Join(dir, sharedSecretFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), secretInfo.Mode().Perm())
	assert.Len(t, store.SharedSecret(), sharedSecretLen)
}

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.SharedSecret(), second.SharedSecret())
}

func TestLoadOrCreateRejectsEmptyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.MkdirAll(dir, dirMode))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sharedSecretFile), nil, fileMode))

	_, err := LoadOrCreate(dir)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	store, err := LoadOrCreate(dir)
	require.NoError(t, err)

	plaintext := []byte("signing key material")
	ciphertext, err := store.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decoded, err := store.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decoded)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	store, err := LoadOrCreate(dir)
	require.NoError(t, err)

	ciphertext, err := store.Encrypt([]byte("data"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = store.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestKeyMaterialRoundTrip(t *testing.T) {
	raw, err := GenerateKeyMaterial(32)
	require.NoError(t, err)

	encoded := EncodeKeyMaterial(raw)
	decoded, err := DecodeKeyMaterial(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
