package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyProvider_StoreAndGet(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())
	assert.False(t, provider.KeyExists())

	key, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, provider.StoreKey(key))
	assert.True(t, provider.KeyExists())

	// The key file must not be world-readable.
	info, err := os.Stat(provider.keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	retrieved, err := provider.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, retrieved)
}

func TestFileKeyProvider_GetWithoutKeyFails(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())
	_, err := provider.GetKey()
	assert.Error(t, err)
}

func TestFileKeyProvider_RejectsWrongSize(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())
	assert.Error(t, provider.StoreKey([]byte("short")))
}

func TestFileKeyProvider_RejectsCorruptedKeyFile(t *testing.T) {
	dataDir := t.TempDir()
	provider := NewFileKeyProvider(dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, keyFileName), []byte("not base64 !!"), 0600))

	_, err := provider.GetKey()
	assert.Error(t, err)
}

func TestFileKeyProvider_CreatesMissingDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	provider := NewFileKeyProvider(dataDir)

	key, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, provider.StoreKey(key))
	assert.True(t, provider.KeyExists())
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, a, keySize)

	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEnsureKey(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())

	first, err := EnsureKey(provider)
	require.NoError(t, err)
	assert.Len(t, first, keySize)

	// A second call returns the same persisted key.
	second, err := EnsureKey(provider)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
