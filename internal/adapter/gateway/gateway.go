// Package gateway adapts wallets reachable through an HTTP wallet gateway: pairing by QR code,
// approval by polling, and sessions carried as EdDSA access tokens.
package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/skip2/go-qrcode"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/client"
	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// sessionMetadata is what the adapter keeps in PersistedSession.Metadata
type sessionMetadata struct {
	AccessToken string `mapstructure:"accessToken"`
	Gateway     string `mapstructure:"gateway"`
}

func (m sessionMetadata) toMap() map[string]any {
	return map[string]any{"accessToken": m.AccessToken, "gateway": m.Gateway}
}

// Adapter talks to one gateway deployment
type Adapter struct {
	binding  Binding
	client   *client.GatewayClient
	tokenKey ed25519.PublicKey
	caps     model.CapabilitySet
	clock    func() time.Time
	logger   logging.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an adapter for b
func New(b Binding, logger logging.Logger) (*Adapter, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	pk, err := solana.PublicKeyFromBase58(b.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid token key: %w", b.WalletID, err)
	}
	caps := make([]model.Capability, 0, len(b.Capabilities))
	for _, raw := range b.Capabilities {
		c, err := model.ParseCapability(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.WalletID, err)
		}
		caps = append(caps, c)
	}
	if logger == nil {
		logger = logging.MustGetLogger("gateway")
	}
	return &Adapter{
		binding:  b,
		client:   client.NewGatewayClient(b.BaseURL, b.RequestTimeout),
		tokenKey: ed25519.PublicKey(pk[:]),
		caps:     model.NewCapabilitySet(caps...),
		clock:    time.Now,
		logger:   logger,
	}, nil
}

// Register builds an adapter per binding and adds it to reg
func Register(reg *adapter.Registry, bindings []Binding, logger logging.Logger) error {
	for _, b := range bindings {
		a, err := New(b, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(model.WalletID(b.WalletID), a); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Capabilities() model.CapabilitySet {
	return a.caps.Clone()
}

func (a *Adapter) DetectInstalled(ctx context.Context) adapter.Detection {
	if err := a.client.Health(ctx); err != nil {
		return adapter.Detection{Installed: false, Reason: err.Error()}
	}
	return adapter.Detection{Installed: true}
}

func (a *Adapter) Connect(ctx context.Context, cc adapter.ConnectContext) (adapter.ConnectResult, error) {
	ticket, err := a.client.StartConnect(ctx, client.ConnectRequest{
		WalletID: a.binding.WalletID,
		Origin:   cc.Origin,
		Network:  string(cc.Network),
		AppName:  cc.AppName,
	})
	if err != nil {
		return adapter.ConnectResult{}, err
	}
	a.announcePairing(cc, ticket)

	var approved *client.ConnectStatus
	err = common.Poll(ctx, a.binding.PollInterval, a.binding.ConnectTimeout, func(ctx context.Context) (bool, error) {
		st, err := a.client.ConnectStatus(ctx, ticket.RequestID)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case client.StatusPending:
			return false, nil
		case client.StatusApproved:
			approved = st
			return true, nil
		case client.StatusRejected:
			return false, common.Ef(common.KindUserRejected, "gateway.connect", "wallet declined: %s", st.Reason)
		default:
			return false, common.Ef(common.KindTransportError, "gateway.connect", "unexpected connect status %q", st.Status)
		}
	})
	if err != nil {
		return adapter.ConnectResult{}, err
	}
	return a.connectResult(cc, approved)
}

func (a *Adapter) connectResult(cc adapter.ConnectContext, st *client.ConnectStatus) (adapter.ConnectResult, error) {
	party, err := model.NewPartyID(st.PartyID)
	if err != nil {
		return adapter.ConnectResult{}, common.E(common.KindTransportError, "gateway.connect", err)
	}
	claims, err := a.verifyToken(st.AccessToken, party)
	if err != nil {
		return adapter.ConnectResult{}, common.E(common.KindTransportError, "gateway.connect", err)
	}

	network := cc.Network
	if st.Network != "" {
		if network, err = model.ParseNetwork(st.Network); err != nil {
			return adapter.ConnectResult{}, common.E(common.KindTransportError, "gateway.connect", err)
		}
	}

	granted := a.caps.Clone()
	if len(st.Capabilities) > 0 {
		caps := make([]model.Capability, 0, len(st.Capabilities))
		for _, raw := range st.Capabilities {
			c, err := model.ParseCapability(raw)
			if err != nil {
				return adapter.ConnectResult{}, common.E(common.KindTransportError, "gateway.connect", err)
			}
			caps = append(caps, c)
		}
		granted = model.NewCapabilitySet(caps...)
	}

	return adapter.ConnectResult{
		PartyID:      party,
		Network:      network,
		ExpiresAt:    expiry(st.ExpiresAt, claims),
		Capabilities: granted,
		Metadata:     sessionMetadata{AccessToken: st.AccessToken, Gateway: a.binding.BaseURL}.toMap(),
	}, nil
}

func (a *Adapter) announcePairing(cc adapter.ConnectContext, ticket *client.ConnectTicket) {
	if cc.Notify == nil || ticket.PairingURI == "" {
		return
	}
	pairing := &events.Pairing{URI: ticket.PairingURI}
	if ticket.ExpiresAt != nil {
		pairing.ExpiresAt = *ticket.ExpiresAt
	}
	qr, err := generateQRCode(ticket.PairingURI)
	if err != nil {
		a.logger.Warnw("failed to render pairing QR code", "wallet", a.binding.WalletID, "err", err)
	} else {
		pairing.QRCode = qr
	}
	cc.Notify(events.Event{Type: events.WalletPairing, WalletID: cc.Entry.WalletID, Pairing: pairing})
}

func (a *Adapter) Disconnect(ctx context.Context, session model.PersistedSession) error {
	meta, err := decodeMetadata(session.Metadata)
	if err != nil {
		return err
	}
	if meta.AccessToken == "" {
		return nil
	}
	return a.client.Disconnect(ctx, meta.AccessToken)
}

func (a *Adapter) Restore(ctx context.Context, cc adapter.ConnectContext, session model.PersistedSession) (*adapter.RestoreResult, error) {
	meta, err := decodeMetadata(session.Metadata)
	if err != nil || meta.AccessToken == "" {
		a.logger.Debugw("no usable token in persisted session", "wallet", session.WalletID, "err", err)
		return nil, nil
	}
	if _, err := a.verifyToken(meta.AccessToken, session.PartyID); err != nil {
		a.logger.Debugw("persisted token rejected", "wallet", session.WalletID, "err", err)
		return nil, nil
	}

	info, err := a.client.Session(ctx, meta.AccessToken)
	if errors.Is(err, client.ErrUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.PartyID != session.PartyID.String() {
		a.logger.Warnw("gateway resumed a different party", "wallet", session.WalletID, "want", session.PartyID, "got", info.PartyID)
		return nil, nil
	}

	token := meta.AccessToken
	if info.AccessToken != "" {
		token = info.AccessToken
	}
	claims, err := a.verifyToken(token, session.PartyID)
	if err != nil {
		a.logger.Debugw("rotated token rejected", "wallet", session.WalletID, "err", err)
		return nil, nil
	}

	network := session.Network
	if info.Network != "" {
		if network, err = model.ParseNetwork(info.Network); err != nil {
			return nil, err
		}
	}
	meta.AccessToken = token
	return &adapter.RestoreResult{
		PartyID:   session.PartyID,
		Network:   network,
		ExpiresAt: expiry(info.ExpiresAt, claims),
		Metadata:  meta.toMap(),
	}, nil
}

// verifyToken checks an access token's EdDSA signature, expiry, subject and issuer
func (a *Adapter) verifyToken(raw string, party model.PartyID) (*jwt.RegisteredClaims, error) {
	if raw == "" {
		return nil, errors.New("access token is missing")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(party.String()),
		jwt.WithTimeFunc(a.clock),
	}
	if a.binding.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.binding.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.tokenKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return claims, nil
}

func decodeMetadata(raw map[string]any) (sessionMetadata, error) {
	var meta sessionMetadata
	if err := mapstructure.Decode(raw, &meta); err != nil {
		return sessionMetadata{}, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return meta, nil
}

// expiry prefers the gateway's explicit expiry, falling back to the token's
func expiry(explicit *time.Time, claims *jwt.RegisteredClaims) *time.Time {
	if explicit != nil {
		t := explicit.UTC()
		return &t
	}
	if claims != nil && claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time.UTC()
		return &t
	}
	return nil
}

func generateQRCode(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
