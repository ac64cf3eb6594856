package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const secretboxNonceLen = 24

// SecretBox is a Provider using NaCl secretbox (XSalsa20-Poly1305)
type SecretBox struct{}

// NewSecretBox returns the secretbox provider
func NewSecretBox() SecretBox { return SecretBox{} }

func (SecretBox) GenerateKey() ([]byte, error) {
	return randomKey()
}

func (SecretBox) Encrypt(plaintext, key []byte) ([]byte, error) {
	k, err := boxKey(key)
	if err != nil {
		return nil, err
	}
	var nonce [secretboxNonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, k), nil
}

func (SecretBox) Decrypt(ciphertext, key []byte) ([]byte, error) {
	k, err := boxKey(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < secretboxNonceLen+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [secretboxNonceLen]byte
	copy(nonce[:], ciphertext[:secretboxNonceLen])
	plaintext, ok := secretbox.Open(nil, ciphertext[secretboxNonceLen:], &nonce, k)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func boxKey(key []byte) (*[KeyLen]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var k [KeyLen]byte
	copy(k[:], key)
	return &k, nil
}
