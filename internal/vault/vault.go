// Package vault encrypts provider passwords at rest.
//
// Ciphertexts are base64(nonce || AES-256-GCM sealed plaintext). The AES key
// is derived once from the configured secret with argon2id, so the secret may
// be any non-empty string.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrDecryption is returned when a ciphertext is malformed, was sealed
	// with another key, or decrypts to an empty value. Callers treat it as
	// "credentials unusable".
	ErrDecryption = errors.New("decryption failed")
	// ErrMissingKey is returned by New when no secret is configured.
	ErrMissingKey = errors.New("vault secret key is not configured")
)

var keySalt = []byte("cellarsync/vault/v1")

// Vault is safe for concurrent use; it is read-only after construction.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	key := argon2.IDKey([]byte(secret), keySalt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) <= ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plaintext, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrDecryption)
	}
	return string(plaintext), nil
}
