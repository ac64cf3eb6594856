package model

// ConnectRequest is the body of POST /v1/session/connect
type ConnectRequest struct {
	WalletID string `json:"walletId" example:"console-wallet"`
}

// WalletResponse is one trusted wallet as shown to the UI
type WalletResponse struct {
	WalletID     WalletID      `json:"walletId"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	Homepage     string        `json:"homepage,omitempty"`
	Networks     []Network     `json:"networks"`
	Capabilities CapabilitySet `json:"capabilities" swaggertype:"array,string"`
	// Available is false when no adapter is configured for the wallet
	Available bool `json:"available"`
}

// WalletsResponse lists the verified catalog
type WalletsResponse struct {
	Channel  string           `json:"channel"`
	Sequence uint64           `json:"sequence"`
	Wallets  []WalletResponse `json:"wallets"`
}

// SessionResponse is the manager's state plus the live session, if any
type SessionResponse struct {
	State   string   `json:"state" example:"Connected"`
	Session *Session `json:"session,omitempty"`
}
