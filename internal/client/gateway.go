package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexZinkM/canton-connect/internal/common"
)

// ErrUnauthorized is returned when the gateway refuses a session token
var ErrUnauthorized = errors.New("gateway refused the session token")

// GatewayClient client for a wallet gateway HTTP API
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ConnectRequest asks the wallet to start pairing with an application
type ConnectRequest struct {
	WalletID string `json:"walletId"`
	Origin   string `json:"origin"`
	Network  string `json:"network"`
	AppName  string `json:"appName,omitempty"`
}

// ConnectTicket identifies a pending pairing
type ConnectTicket struct {
	RequestID  string     `json:"requestId"`
	PairingURI string     `json:"pairingUri"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Connect request statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// ConnectStatus is the state of a pending pairing
type ConnectStatus struct {
	Status       string     `json:"status"`
	PartyID      string     `json:"partyId,omitempty"`
	Network      string     `json:"network,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// SessionInfo is the gateway's view of a live session
type SessionInfo struct {
	PartyID     string     `json:"partyId"`
	Network     string     `json:"network"`
	AccessToken string     `json:"accessToken,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Health returns nil when the gateway answers its health probe
func (c *GatewayClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

// StartConnect opens a pairing request
func (c *GatewayClient) StartConnect(ctx context.Context, req ConnectRequest) (*ConnectTicket, error) {
	var ticket ConnectTicket
	if err := c.do(ctx, http.MethodPost, "/v1/connect", "", req, &ticket); err != nil {
		return nil, fmt.Errorf("failed to start connect: %w", err)
	}
	if ticket.RequestID == "" {
		return nil, common.Ef(common.KindTransportError, "gateway.connect", "gateway returned no request id")
	}
	return &ticket, nil
}

// ConnectStatus polls a pairing request
func (c *GatewayClient) ConnectStatus(ctx context.Context, requestID string) (*ConnectStatus, error) {
	var status ConnectStatus
	if err := c.do(ctx, http.MethodGet, "/v1/connect/"+url.PathEscape(requestID), "", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get connect status: %w", err)
	}
	return &status, nil
}

// Session checks a token against the gateway; ErrUnauthorized means the session is gone
func (c *GatewayClient) Session(ctx context.Context, token string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, "/v1/session", token, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &info, nil
}

// Disconnect revokes a token
func (c *GatewayClient) Disconnect(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/disconnect", token, nil, nil); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

func (c *GatewayClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return common.Classify(err, "gateway", common.KindTransportError)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusServiceUnavailable:
		return common.Ef(common.KindWalletUnavailable, "gateway", "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return common.Ef(common.KindTransportError, "gateway", "%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return common.E(common.KindTransportError, "gateway", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
