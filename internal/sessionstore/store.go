// Package sessionstore persists at most one encrypted session record per origin.
package sessionstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AlexZinkM/canton-connect/internal/crypto"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
	"github.com/AlexZinkM/canton-connect/internal/storage"
)

const (
	// RecordKey is the storage key of the single per-origin record
	RecordKey = "session"

	envelopeVersion = 1
)

// Store encrypts sessions with a provider-held key and keeps them in an origin-scoped Storage
type Store struct {
	backend  storage.Storage
	provider crypto.Provider
	key      []byte
	origin   string
	logger   logging.Logger
}

// New builds a Store. key must match the provider's key size; it is copied.
func New(backend storage.Storage, provider crypto.Provider, key []byte, origin string, logger logging.Logger) (*Store, error) {
	if backend == nil || provider == nil {
		return nil, errors.New("storage backend and crypto provider are required")
	}
	if origin == "" {
		return nil, errors.New("origin is required")
	}
	if len(key) != crypto.KeyLen {
		return nil, fmt.Errorf("session key must be %d bytes", crypto.KeyLen)
	}
	if logger == nil {
		logger = logging.MustGetLogger("sessionstore")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Store{backend: backend, provider: provider, key: k, origin: origin, logger: logger}, nil
}

// Origin returns the origin this store is bound to
func (s *Store) Origin() string { return s.origin }

// Save encrypts ps and overwrites the stored record
func (s *Store) Save(ctx context.Context, ps model.PersistedSession) error {
	if ps.Origin != s.origin {
		return fmt.Errorf("session origin %q does not match store origin %q", ps.Origin, s.origin)
	}
	if ps.SessionID == "" || ps.WalletID == "" {
		return errors.New("session id and wallet id are required")
	}

	plaintext, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	defer clear(plaintext) // wipe plaintext bytes from memory

	ciphertext, err := s.provider.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	env := model.SessionEnvelope{
		Version:    envelopeVersion,
		SessionID:  ps.SessionID,
		WalletID:   ps.WalletID,
		Origin:     s.origin,
		CipherText: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal session envelope: %w", err)
	}

	if err := s.backend.Set(ctx, RecordKey, string(raw)); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Load returns the stored session, or nil when there is none or it cannot be opened.
// Only backend failures are errors; the reason a record could not be opened is not reported.
func (s *Store) Load(ctx context.Context) (*model.PersistedSession, error) {
	raw, ok, err := s.backend.Get(ctx, RecordKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return nil, nil
	}

	ps, ok := s.open(raw)
	if !ok {
		return nil, nil
	}
	return &ps, nil
}

// open decrypts and cross-checks an envelope
func (s *Store) open(raw string) (model.PersistedSession, bool) {
	var env model.SessionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Debugw("session record undecodable", "err", err)
		return model.PersistedSession{}, false
	}
	if env.Version != envelopeVersion {
		s.logger.Debugw("session record has unknown version", "version", env.Version)
		return model.PersistedSession{}, false
	}
	if env.Origin != s.origin {
		s.logger.Debugw("session record bound to another origin", "origin", env.Origin)
		return model.PersistedSession{}, false
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		s.logger.Debugw("session ciphertext undecodable", "err", err)
		return model.PersistedSession{}, false
	}
	plaintext, err := s.provider.Decrypt(ciphertext, s.key)
	if err != nil {
		s.logger.Debugw("session ciphertext could not be opened", "err", err)
		return model.PersistedSession{}, false
	}
	defer clear(plaintext) // wipe decrypted bytes from memory

	var ps model.PersistedSession
	if err := json.Unmarshal(plaintext, &ps); err != nil {
		s.logger.Debugw("session plaintext undecodable", "err", err)
		return model.PersistedSession{}, false
	}
	if ps.Origin != s.origin || ps.SessionID != env.SessionID || ps.WalletID != env.WalletID {
		s.logger.Debugw("session record index does not match its contents")
		return model.PersistedSession{}, false
	}
	return ps, true
}

// Clear removes the stored record; clearing an empty store is not an error
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, RecordKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
