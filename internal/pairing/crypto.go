package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// newGCM builds an AES-256-GCM AEAD from a 32-byte session key.
func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != 32 {
		return nil, fmt.Errorf("pairing: session key must be 32 bytes, got %d", len(sessionKey))
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext under sessionKey with AES-256-GCM and
// returns base64(iv || ciphertext || tag).
func Encrypt(sessionKey []byte, plaintext []byte) (string, error) {
	gcm, err := newGCM(sessionKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pairing: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func Decrypt(sessionKey []byte, encoded string) ([]byte, error) {
	gcm, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode ciphertext: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("pairing: ciphertext too short")
	}
	nonce, ct := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("pairing: decrypt: %w", err)
	}
	return plaintext, nil
}
