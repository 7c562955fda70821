// Package crypto seals secrets for at-rest storage, primarily OAuth tokens.
// Sealing uses AES-256-GCM with a random nonce prepended to the ciphertext,
// so every seal of the same plaintext yields a different blob.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher performs authenticated encryption with a fixed 256-bit key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key, as produced by
// `openssl rand -base64 32`.
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal, verifying its authentication tag.
// Tampering and corruption return the same error.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("sealed data too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open failed: integrity check did not pass")
	}
	return plaintext, nil
}

// SealString seals a string and base64-encodes the result for storage in a
// text column. Empty input passes through unchanged so blank tokens never
// turn into ciphertext.
func (c *Cipher) SealString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, err := c.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (c *Cipher) OpenString(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("sealed data: base64 decode failed: %w", err)
	}
	plaintext, err := c.Open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
