package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor seals and opens small secrets for storage at rest
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type aeadEncryptor struct {
	key []byte
}

// NewEncryptor creates an AEAD encryptor from a 32-byte key
func NewEncryptor(key []byte) (Encryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes (got %d)", chacha20poly1305.KeySize, len(key))
	}
	return &aeadEncryptor{key: key}, nil
}

func (e *aeadEncryptor) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (e *aeadEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plaintext), nil
}
