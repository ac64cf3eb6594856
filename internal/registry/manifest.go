package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// ManifestVersion is the only manifest format this verifier understands
const ManifestVersion = 1

const signaturesField = "signatures"

// Manifest is a verified, decoded manifest document
type Manifest struct {
	Version    int
	Channel    string
	Sequence   uint64
	IssuedAt   time.Time
	ExpiresAt  *time.Time
	Wallets    []model.WalletManifestEntry
	Signatures []model.ManifestSignature
}

type manifestDoc struct {
	Version   int              `json:"version"`
	Channel   string           `json:"channel"`
	Sequence  uint64           `json:"sequence"`
	IssuedAt  time.Time        `json:"issuedAt"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	Wallets   []manifestWallet `json:"wallets"`
}

type manifestWallet struct {
	WalletID     string           `json:"walletId"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Icon         string           `json:"icon,omitempty"`
	Homepage     string           `json:"homepage,omitempty"`
	Adapter      model.AdapterRef `json:"adapter"`
	Networks     []string         `json:"networks"`
	Capabilities []string         `json:"capabilities,omitempty"`
}

// envelope is a manifest split into its signed payload and detached signatures.
// Nothing in the payload has been interpreted yet.
type envelope struct {
	fields     map[string]json.RawMessage
	canonical  []byte
	signatures []model.ManifestSignature
}

// splitEnvelope separates the signatures from the payload and canonicalizes the payload
// (RFC 8785), so whitespace and member order never change the signed bytes.
func splitEnvelope(raw []byte) (*envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, common.E(common.KindInvalidSignature, "manifest", fmt.Errorf("unrecognized manifest format: %w", err))
	}

	var sigs []model.ManifestSignature
	if sigRaw, ok := fields[signaturesField]; ok {
		if err := json.Unmarshal(sigRaw, &sigs); err != nil {
			return nil, common.E(common.KindInvalidSignature, "manifest", fmt.Errorf("unrecognized signature block: %w", err))
		}
		delete(fields, signaturesField)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, common.E(common.KindInvalidSignature, "manifest", err)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return nil, common.E(common.KindInvalidSignature, "manifest", fmt.Errorf("failed to canonicalize manifest: %w", err))
	}
	return &envelope{fields: fields, canonical: canonical, signatures: sigs}, nil
}

// decodeManifest interprets an already verified canonical payload
func decodeManifest(canonical []byte, sigs []model.ManifestSignature) (*Manifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, formatError("failed to decode manifest: %w", err)
	}
	if doc.Version != ManifestVersion {
		return nil, formatError("unsupported manifest version %d", doc.Version)
	}
	if doc.Channel == "" {
		return nil, formatError("manifest channel is missing")
	}
	if doc.IssuedAt.IsZero() {
		return nil, formatError("manifest issuedAt is missing")
	}

	m := &Manifest{
		Version:    doc.Version,
		Channel:    doc.Channel,
		Sequence:   doc.Sequence,
		IssuedAt:   doc.IssuedAt,
		ExpiresAt:  doc.ExpiresAt,
		Wallets:    make([]model.WalletManifestEntry, 0, len(doc.Wallets)),
		Signatures: sigs,
	}
	seen := make(map[model.WalletID]struct{}, len(doc.Wallets))
	for i, w := range doc.Wallets {
		entry, err := w.entry()
		if err != nil {
			return nil, formatError("wallet[%d]: %w", i, err)
		}
		if _, dup := seen[entry.WalletID]; dup {
			return nil, formatError("wallet[%d]: duplicate wallet id %s", i, entry.WalletID)
		}
		seen[entry.WalletID] = struct{}{}
		entry.Signatures = sigs
		m.Wallets = append(m.Wallets, entry)
	}
	return m, nil
}

func (w manifestWallet) entry() (model.WalletManifestEntry, error) {
	id, err := model.NewWalletID(w.WalletID)
	if err != nil {
		return model.WalletManifestEntry{}, err
	}
	if w.Name == "" {
		return model.WalletManifestEntry{}, fmt.Errorf("wallet %s has no name", id)
	}
	if w.Adapter.Package == "" {
		return model.WalletManifestEntry{}, fmt.Errorf("wallet %s has no adapter package", id)
	}
	if len(w.Networks) == 0 {
		return model.WalletManifestEntry{}, fmt.Errorf("wallet %s lists no networks", id)
	}
	networks := make([]model.Network, 0, len(w.Networks))
	for _, raw := range w.Networks {
		n, err := model.ParseNetwork(raw)
		if err != nil {
			return model.WalletManifestEntry{}, err
		}
		networks = append(networks, n)
	}
	caps := make([]model.Capability, 0, len(w.Capabilities))
	for _, raw := range w.Capabilities {
		c, err := model.ParseCapability(raw)
		if err != nil {
			return model.WalletManifestEntry{}, err
		}
		caps = append(caps, c)
	}
	return model.WalletManifestEntry{
		WalletID:     id,
		Name:         w.Name,
		Description:  w.Description,
		Icon:         w.Icon,
		Homepage:     w.Homepage,
		Adapter:      w.Adapter,
		Networks:     networks,
		Capabilities: model.NewCapabilitySet(caps...),
	}, nil
}

func formatError(format string, args ...any) error {
	return common.Ef(common.KindInvalidSignature, "manifest", format, args...)
}
