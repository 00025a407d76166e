package crypto

import (
	"testing"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	return NewManager(KeyParts{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, "test-salt")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := testManager()
	token, err := m.Encrypt([]byte("hello world"))
	require.NoError(t, err)

	plain, err := m.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plain))
}

func TestEncryptRowRoundTrip(t *testing.T) {
	m := testManager()
	row := map[string]any{"name": "alice", "score": float64(10)}
	token, err := m.EncryptRow(row)
	require.NoError(t, err)

	got, err := m.DecryptRow(token)
	require.NoError(t, err)
	assert.Equal(t, row["name"], got["name"])
	assert.Equal(t, row["score"], got["score"])
}

func TestEncryptValueRoundTrip(t *testing.T) {
	m := testManager()
	encoded, err := m.EncryptValue("secret")
	require.NoError(t, err)

	got, err := m.DecryptValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestDecryptTamperedTokenFailsByDefault(t *testing.T) {
	m := testManager()
	token, err := m.Encrypt([]byte("data"))
	require.NoError(t, err)
	tampered := append([]byte{}, token...)
	tampered[0] ^= 0x01

	_, err = m.Decrypt(tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerr.IntegrityError)
}

func TestDecryptTamperedTokenLegacyOpaque(t *testing.T) {
	m := testManager()
	m.LegacyOpaqueOnFailure = true
	token, err := m.Encrypt([]byte("data"))
	require.NoError(t, err)
	tampered := append([]byte{}, token...)
	tampered[0] ^= 0x01

	got, err := m.Decrypt(tampered)
	require.NoError(t, err)
	assert.Equal(t, tampered, got)
}

func TestDifferentSaltsYieldDifferentSigningKeys(t *testing.T) {
	m1 := NewManager(KeyParts{[]byte("a")}, "salt1")
	m2 := NewManager(KeyParts{[]byte("a")}, "salt2")
	assert.NotEqual(t, m1.signKey, m2.signKey)
}
