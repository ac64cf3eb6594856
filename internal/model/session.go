package model

import (
	"fmt"
	"time"
)

// Network is the Canton network a session is bound to
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
)

// ParseNetwork validates raw as a Network
func ParseNetwork(raw string) (Network, error) {
	switch n := Network(raw); n {
	case NetworkMainnet, NetworkTestnet, NetworkDevnet:
		return n, nil
	default:
		return "", fmt.Errorf("network must be mainnet, testnet or devnet, got %q", raw)
	}
}

// Session is the live connection record held by the lifecycle manager
type Session struct {
	WalletID      WalletID      `json:"walletId"`
	PartyID       PartyID       `json:"partyId"`
	Network       Network       `json:"network"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	Capabilities  CapabilitySet `json:"capabilitiesSnapshot"`
	RestoreReason string        `json:"restoreReason,omitempty"`
}

// Expired reports whether the session carries an expiry that has passed
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Copy returns a Session that shares no mutable state with s
func (s Session) Copy() Session {
	out := s
	out.Capabilities = s.Capabilities.Clone()
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// PersistedSession is the durable form of a Session.
// It is only ever written to storage encrypted, inside a SessionEnvelope.
type PersistedSession struct {
	Session
	SessionID SessionID      `json:"sessionId"`
	Origin    string         `json:"origin"`
	// Metadata is stored as JSON: numbers come back as float64, objects as map[string]any
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionEnvelope is the at-rest record: non-secret index fields plus ciphertext
type SessionEnvelope struct {
	Version    int       `json:"version"`
	SessionID  SessionID `json:"sessionId"`
	WalletID   WalletID  `json:"walletId"`
	Origin     string    `json:"origin"`
	CipherText string    `json:"cipherText"`
}
