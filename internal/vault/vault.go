// Package vault protects user-supplied provider credentials at rest with
// AES-256-GCM. Stored blobs have the form hex(nonce):hex(tag):hex(ciphertext).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrMisconfiguredKey is returned when the key is absent or not 32 bytes
	ErrMisconfiguredKey = errors.New("vault: misconfigured encryption key")

	// ErrAuthenticationFailed is returned when the GCM tag does not verify
	ErrAuthenticationFailed = errors.New("vault: authentication failed")

	// ErrMalformedBlob is returned when a stored value is not nonce:tag:ciphertext
	ErrMalformedBlob = errors.New("vault: malformed ciphertext blob")
)

// Vault encrypts and decrypts credentials with a validated 256-bit key.
// It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a raw 32-byte key
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrMisconfiguredKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfiguredKey, err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfiguredKey, err)
	}

	return &Vault{aead: aead}, nil
}

// NewFromHex creates a vault from a 64-character hex key, as stored in ENCRYPTION_KEY
func NewFromHex(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: key is not set", ErrMisconfiguredKey)
	}

	key, err := hex.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid hex", ErrMisconfiguredKey)
	}

	return New(key)
}

// GenerateKey returns a new random key, hex-encoded for use in environment variables
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the tag to the ciphertext
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a blob produced by Encrypt
func (v *Vault) Decrypt(blob string) (string, error) {
	// Encrypt only emits lowercase hex; any other casing is a modified blob
	if strings.ToLower(blob) != blob {
		return "", fmt.Errorf("%w: non-canonical hex", ErrMalformedBlob)
	}

	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedBlob, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: invalid nonce", ErrMalformedBlob)
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return "", fmt.Errorf("%w: invalid tag", ErrMalformedBlob)
	}

	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext", ErrMalformedBlob)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}

	return string(plaintext), nil
}
