package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

const testKey = "0000000000000000000000000000000000000000000000000000000000000001"

func TestNewBoxKeyValidation(t *testing.T) {
	if _, err := NewBox(testKey); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if _, err := NewBox("not-hex"); err == nil {
		t.Fatal("non-hex key accepted")
	}
	if _, err := NewBox("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := NewBox(strings.Repeat("ab", 33)); err == nil {
		t.Fatal("long key accepted")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	plaintext := []byte(`{"cta":"upgrade"}`)
	nonce := bytes.Repeat([]byte{7}, chacha20poly1305.NonceSize)

	ciphertext, err := box.Encrypt(plaintext, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := box.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncryptRejectsBadNonce(t *testing.T) {
	box, _ := NewBox(testKey)
	if _, err := box.Encrypt([]byte("x"), []byte("short")); err == nil {
		t.Fatal("short nonce accepted")
	}
}

func TestDecryptErrors(t *testing.T) {
	box, _ := NewBox(testKey)

	if _, err := box.Decrypt([]byte("!!not base64!!")); err == nil {
		t.Fatal("invalid base64 accepted")
	}

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := box.Decrypt([]byte(short)); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("err = %v, want ErrCiphertextTooShort", err)
	}

	// A valid-length ciphertext sealed under a different key must not open.
	other, _ := NewBox(strings.Repeat("ff", 32))
	nonce := bytes.Repeat([]byte{1}, chacha20poly1305.NonceSize)
	ciphertext, err := other.Encrypt([]byte("secret"), nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := box.Decrypt(ciphertext); err == nil {
		t.Fatal("wrong-key ciphertext opened")
	}
}
