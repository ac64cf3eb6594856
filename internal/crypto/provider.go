package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeyLen is the symmetric key size used by every provider
const KeyLen = 32

// ErrDecrypt is returned when a ciphertext cannot be opened with the given key
var ErrDecrypt = errors.New("crypto: decryption failed")

// Provider performs authenticated symmetric encryption.
// Ciphertexts are self-contained: the nonce travels with them.
type Provider interface {
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
	GenerateKey() ([]byte, error)
}

// ScryptParams controls passphrase key derivation
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams trades ~256MB of RAM and up to a couple of seconds for
// brute-force resistance; it still fits in mobile per-app memory limits.
var DefaultScryptParams = ScryptParams{N: 1 << 18, R: 8, P: 1}

// DeriveKey turns a passphrase into a provider key.
// passphrase must be []byte for security (caller should zero it after use)
func DeriveKey(passphrase, salt []byte, params ScryptParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) < 16 {
		return nil, errors.New("salt must be at least 16 bytes")
	}
	key, err := scrypt.Key(passphrase, salt, params.N, params.R, params.P, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func checkKey(key []byte) error {
	if len(key) != KeyLen {
		return fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}
	return nil
}
