package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresKey(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	ct, err := v.Encrypt("app-specific-password")
	require.NoError(t, err)
	assert.NotContains(t, ct, "app-specific-password")

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "app-specific-password", pt)
}

func TestEncrypt_UsesFreshNonce(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_Failures(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)
	other, err := New("another-secret")
	require.NoError(t, err)

	foreign, err := other.Encrypt("pw")
	require.NoError(t, err)
	empty, err := v.Encrypt("")
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"not base64", "%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"wrong key", foreign},
		{"empty plaintext", empty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.ciphertext)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}
