package registry

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/AlexZinkM/canton-connect/internal/model"
)

// Sign adds (or replaces) keyID's signature on a manifest document and returns the
// re-encoded document. Other signatures are kept.
func Sign(raw []byte, keyID string, key solana.PrivateKey) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	env, err := splitEnvelope(raw)
	if err != nil {
		return nil, err
	}

	sig, err := key.Sign(env.canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}

	sigs := make([]model.ManifestSignature, 0, len(env.signatures)+1)
	for _, s := range env.signatures {
		if s.KeyID != keyID {
			sigs = append(sigs, s)
		}
	}
	sigs = append(sigs, model.ManifestSignature{
		KeyID:     keyID,
		Algorithm: AlgorithmEd25519,
		Signature: sig.String(),
	})

	sigRaw, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signatures: %w", err)
	}
	env.fields[signaturesField] = sigRaw

	out, err := json.MarshalIndent(env.fields, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return out, nil
}
