// Package vault seals vendor access and refresh tokens before they are stored.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const keyContext = "devicesync-credential-vault"

var (
	// ErrMasterKeyMissing is returned when no master key is configured.
	ErrMasterKeyMissing = errors.New("vault master key not configured")
	// ErrInvalidCiphertext is returned when sealed input is malformed or fails authentication.
	ErrInvalidCiphertext = errors.New("invalid sealed token")
)

// Vault seals tokens with AES-256-GCM under a key derived from the deployment master key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the sealing key from a base64-encoded master key of at least 16 bytes.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrMasterKeyMissing
	}
	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) < 16 {
		return nil, errors.New("master key must be at least 16 bytes")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(keyContext)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// GenerateMasterKey returns a fresh random base64 master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext. The empty string seals to the empty string so that cleared
// credentials stay distinguishable from present ones.
func (v *Vault) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrInvalidCiphertext)
	}
	size := v.aead.NonceSize()
	if len(data) < size+v.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	plain, err := v.aead.Open(nil, data[:size], data[size:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// ExpiresSoon reports whether a token expiring at expiry must be refreshed at now, allowing
// skew for clock drift and request latency. Tokens without an expiry never expire.
func ExpiresSoon(expiry *time.Time, now time.Time, skew time.Duration) bool {
	if expiry == nil || expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(*expiry)
}
