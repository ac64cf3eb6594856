package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const nonceLen = 12

// AESGCM is a Provider using AES-256-GCM with a random 12-byte nonce prefixed to the output
type AESGCM struct{}

// NewAESGCM returns the AES-256-GCM provider
func NewAESGCM() AESGCM { return AESGCM{} }

// GenerateKey returns a fresh random 256-bit key
func (AESGCM) GenerateKey() ([]byte, error) {
	return randomKey()
}

// Encrypt seals plaintext under key
func (AESGCM) Encrypt(plaintext, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Generate nonce
	nonce := make([]byte, nonceLen, nonceLen+len(plaintext)+aesGCM.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	// Create AES cipher
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
