// Package secrets implements payload decryption for flags whose payloads are
// stored encrypted. Ciphertexts are base64(nonce || box) sealed with
// ChaCha20-Poly1305; the key is provisioned out of band and supplied via
// configuration.
package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Box seals and opens flag payloads with a fixed symmetric key.
type Box struct {
	key []byte
}

// NewBox creates a Box from a hex-encoded 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode payload key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("payload key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Decrypt opens a base64(nonce || sealed) ciphertext.
func (b *Box) Decrypt(ciphertext []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return nil, ErrCiphertextTooShort
	}

	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals a plaintext payload, prepending the random nonce. Used by
// authoring tooling and tests; evaluation only ever decrypts.
func (b *Box) Encrypt(plaintext, nonce []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", chacha20poly1305.NonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := append(append([]byte(nil), nonce...), sealed...)
	return []byte(base64.StdEncoding.EncodeToString(out)), nil
}
