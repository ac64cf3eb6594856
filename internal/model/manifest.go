package model

import (
	"slices"
	"time"
)

// AdapterRef points to the adapter implementation serving a wallet
type AdapterRef struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
}

// ManifestSignature is a detached signature over the canonical manifest payload
type ManifestSignature struct {
	KeyID     string `json:"keyId"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

// WalletManifestEntry describes one registry-listed wallet
type WalletManifestEntry struct {
	WalletID     WalletID      `json:"walletId"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	Homepage     string        `json:"homepage,omitempty"`
	Adapter      AdapterRef    `json:"adapter"`
	Networks     []Network     `json:"networks"`
	Capabilities CapabilitySet `json:"capabilities"`

	// Signatures covering the whole manifest this entry was verified from
	Signatures []ManifestSignature `json:"-"`
}

// SupportsNetwork reports whether the entry lists n
func (e WalletManifestEntry) SupportsNetwork(n Network) bool {
	return slices.Contains(e.Networks, n)
}

// TrustedRegistry is the verified projection of the last accepted manifest.
// It is built once per refresh and never mutated afterwards.
type TrustedRegistry struct {
	Channel    string
	Version    int
	Sequence   uint64
	Entries    map[WalletID]WalletManifestEntry
	FetchedAt  time.Time
	ValidUntil time.Time
}

// Lookup returns the entry for id, if listed
func (r *TrustedRegistry) Lookup(id WalletID) (WalletManifestEntry, bool) {
	e, ok := r.Entries[id]
	return e, ok
}

// Wallets returns all entries ordered by wallet id
func (r *TrustedRegistry) Wallets() []WalletManifestEntry {
	out := make([]WalletManifestEntry, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b WalletManifestEntry) int {
		switch {
		case a.WalletID < b.WalletID:
			return -1
		case a.WalletID > b.WalletID:
			return 1
		}
		return 0
	})
	return out
}
