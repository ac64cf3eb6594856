// Package adapter defines the contract every wallet integration implements and the
// configuration-time registry that maps wallet ids onto adapters.
package adapter

import (
	"context"
	"time"

	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// Detection reports whether a wallet is reachable from this environment
type Detection struct {
	Installed bool
	Reason    string
}

// ConnectContext is what an adapter learns about the connecting application
type ConnectContext struct {
	Origin  string
	Network model.Network
	Entry   model.WalletManifestEntry
	AppName string
	// Notify forwards adapter prompts (pairing codes) to the UI; never nil when set by the manager
	Notify func(events.Event)
}

// ConnectResult is a successful connection as seen by the adapter
type ConnectResult struct {
	PartyID      model.PartyID
	Network      model.Network
	ExpiresAt    *time.Time
	Capabilities model.CapabilitySet
	Metadata     map[string]any
}

// RestoreResult is a resumed session; Metadata replaces the persisted metadata
type RestoreResult struct {
	PartyID   model.PartyID
	Network   model.Network
	ExpiresAt *time.Time
	Metadata  map[string]any
}

// Adapter is one wallet integration.
//
// Connect errors carry UserRejected, WalletUnavailable, TransportError or Timeout kinds.
// Disconnect is best effort. Restore is only called when the adapter advertises the
// restore capability; a nil result means the session cannot be resumed.
type Adapter interface {
	Capabilities() model.CapabilitySet
	DetectInstalled(ctx context.Context) Detection
	Connect(ctx context.Context, cc ConnectContext) (ConnectResult, error)
	Disconnect(ctx context.Context, session model.PersistedSession) error
	Restore(ctx context.Context, cc ConnectContext, session model.PersistedSession) (*RestoreResult, error)
}
