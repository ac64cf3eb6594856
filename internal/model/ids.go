package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var walletIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// WalletID identifies one registry-listed wallet
type WalletID string

// NewWalletID validates raw and returns it as a WalletID
func NewWalletID(raw string) (WalletID, error) {
	raw = strings.TrimSpace(raw)
	if !walletIDPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid wallet id %q", raw)
	}
	return WalletID(raw), nil
}

func (id WalletID) String() string { return string(id) }

// PartyID identifies a Canton party, in the form "hint::fingerprint"
type PartyID string

// NewPartyID validates raw and returns it as a PartyID
func NewPartyID(raw string) (PartyID, error) {
	raw = strings.TrimSpace(raw)
	hint, fingerprint, ok := strings.Cut(raw, "::")
	if !ok || hint == "" || fingerprint == "" || strings.ContainsAny(raw, " \t\n") {
		return "", fmt.Errorf("invalid party id %q", raw)
	}
	return PartyID(raw), nil
}

func (id PartyID) String() string { return string(id) }

// SessionID identifies one persisted session record
type SessionID string

// NewSessionID generates a fresh random SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID validates raw as a SessionID
func ParseSessionID(raw string) (SessionID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", raw, err)
	}
	return SessionID(parsed.String()), nil
}

func (id SessionID) String() string { return string(id) }
