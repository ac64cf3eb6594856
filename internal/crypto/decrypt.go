package crypto

// Decrypt opens a ciphertext produced by Encrypt.
// Any authentication failure (wrong key, truncation, tampering) yields ErrDecrypt.
func (AESGCM) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceLen+aesGCM.Overhead() {
		return nil, ErrDecrypt
	}

	plaintext, err := aesGCM.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
