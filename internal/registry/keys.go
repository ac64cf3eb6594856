package registry

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// AlgorithmEd25519 is the only accepted signature algorithm
const AlgorithmEd25519 = "ed25519"

// TrustedKey is a registry signing key configured by the operator
type TrustedKey struct {
	KeyID     string
	PublicKey solana.PublicKey
}

// ParseTrustedKey parses "keyId:base58PublicKey"
func ParseTrustedKey(spec string) (TrustedKey, error) {
	keyID, pub, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok || keyID == "" || pub == "" {
		return TrustedKey{}, fmt.Errorf("trusted key must look like keyId:base58PublicKey, got %q", spec)
	}
	pk, err := solana.PublicKeyFromBase58(pub)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("invalid public key for %s: %w", keyID, err)
	}
	return TrustedKey{KeyID: keyID, PublicKey: pk}, nil
}

// ParseTrustedKeys parses a list of key specs, rejecting duplicate key ids
func ParseTrustedKeys(specs []string) ([]TrustedKey, error) {
	keys := make([]TrustedKey, 0, len(specs))
	seen := map[string]struct{}{}
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		k, err := ParseTrustedKey(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[k.KeyID]; dup {
			return nil, fmt.Errorf("duplicate trusted key id %s", k.KeyID)
		}
		seen[k.KeyID] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

// verifySignatures requires at least threshold distinct trusted keys to have signed payload.
// A signature that names a trusted key but does not verify rejects the manifest outright.
func verifySignatures(payload []byte, sigs []model.ManifestSignature, keys []TrustedKey, threshold int) error {
	if len(keys) == 0 {
		return common.Ef(common.KindInvalidSignature, "verify", "no trusted keys configured")
	}
	if threshold <= 0 || threshold > len(keys) {
		threshold = len(keys)
	}

	byID := make(map[string]solana.PublicKey, len(keys))
	for _, k := range keys {
		byID[k.KeyID] = k.PublicKey
	}

	valid := map[string]struct{}{}
	for _, s := range sigs {
		pub, trusted := byID[s.KeyID]
		if !trusted {
			continue
		}
		if !strings.EqualFold(s.Algorithm, AlgorithmEd25519) {
			return common.Ef(common.KindInvalidSignature, "verify", "key %s: unsupported algorithm %q", s.KeyID, s.Algorithm)
		}
		sig, err := solana.SignatureFromBase58(s.Signature)
		if err != nil {
			return common.Ef(common.KindInvalidSignature, "verify", "key %s: malformed signature: %v", s.KeyID, err)
		}
		if !sig.Verify(pub, payload) {
			return common.Ef(common.KindInvalidSignature, "verify", "key %s: signature does not verify", s.KeyID)
		}
		valid[s.KeyID] = struct{}{}
	}

	if len(valid) < threshold {
		return common.Ef(common.KindInvalidSignature, "verify", "%d of %d required signatures present", len(valid), threshold)
	}
	return nil
}

// Verify checks raw's signatures against keys and only then decodes it.
// Every failure carries the InvalidSignature kind.
func Verify(raw []byte, keys []TrustedKey, threshold int) (*Manifest, error) {
	env, err := splitEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if err := verifySignatures(env.canonical, env.signatures, keys, threshold); err != nil {
		return nil, err
	}
	return decodeManifest(env.canonical, env.signatures)
}
