package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
)

// Capability is a named feature a wallet integration declares support for
type Capability string

const (
	CapabilityConnect    Capability = "connect"
	CapabilityDisconnect Capability = "disconnect"
	CapabilityRestore    Capability = "restore"

	// Common wallet-specific extensions
	CapabilitySignMessage       Capability = "signMessage"
	CapabilitySubmitTransaction Capability = "submitTransaction"
	CapabilityListAccounts      Capability = "listAccounts"
)

var capabilityPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9:_-]{0,63}$`)

// ParseCapability validates raw as a capability tag
func ParseCapability(raw string) (Capability, error) {
	if !capabilityPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid capability %q", raw)
	}
	return Capability(raw), nil
}

// CapabilitySet is an unordered set of capabilities.
// The zero value is an empty set ready to use with Has and Sorted.
type CapabilitySet struct {
	tags map[Capability]struct{}
}

// NewCapabilitySet builds a set, collapsing duplicates
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := CapabilitySet{tags: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.tags[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.tags[c]
	return ok
}

// Len returns the number of distinct capabilities
func (s CapabilitySet) Len() int { return len(s.tags) }

// Sorted returns the capabilities in lexical order
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s.tags))
	for c := range s.tags {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy, used for snapshots
func (s CapabilitySet) Clone() CapabilitySet {
	return NewCapabilitySet(s.Sorted()...)
}

// Equal reports set equality
func (s CapabilitySet) Equal(other CapabilitySet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for c := range s.tags {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode capability set: %w", err)
	}
	caps := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCapability(r)
		if err != nil {
			return err
		}
		caps = append(caps, c)
	}
	*s = NewCapabilitySet(caps...)
	return nil
}
