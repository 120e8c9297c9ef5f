package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) Key {
	t.Helper()
	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "test.key"))
	require.NoError(t, err)
	return key
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "bookwise.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, int64(len(first)), info.Size())

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing key must be reused")
}

func TestLoadOrCreateKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := LoadOrCreateKey(path)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestEncryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plain := []byte(`{"users":{}}`)

	a, err := Encrypt(key, plain)
	require.NoError(t, err)
	b, err := Encrypt(key, plain)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "tokens must not be deterministic")
	assert.NotContains(t, string(a), "users")

	got, err := Decrypt(key, a)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptFailures(t *testing.T) {
	key := testKey(t)
	token, err := Encrypt(key, []byte("library state"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		key   Key
		token []byte
	}{
		{name: "wrong key", key: testKey(t), token: token},
		{name: "truncated", key: key, token: token[:len(token)/2]},
		{name: "empty", key: key, token: nil},
		{name: "not base64", key: key, token: []byte("!!!!not a token!!!!")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.key, tt.token)
			require.ErrorIs(t, err, ErrDecryptionFailed)
			require.ErrorIs(t, err, ErrCrypto)
		})
	}
}

func TestDecryptDetectsEveryFlippedByte(t *testing.T) {
	key := testKey(t)
	token, err := Encrypt(key, []byte("short secret payload"))
	require.NoError(t, err)

	for i := range token {
		tampered := append([]byte(nil), token...)
		tampered[i] ^= 0x01
		_, err := Decrypt(key, tampered)
		require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
	}
}

func TestArgon2Hasher(t *testing.T) {
	h := DefaultHasher()

	d1 := h.Hash("correct horse")
	assert.Equal(t, d1, h.Hash("correct horse"), "hash must be deterministic")
	assert.NotEqual(t, "correct horse", d1)
	assert.NotEqual(t, d1, h.Hash("correct horse!"))
	assert.Len(t, d1, 64)
	assert.True(t, digestEqual(d1, h.Hash("correct horse")))
	assert.False(t, digestEqual(d1, h.Hash("battery staple")))
}
