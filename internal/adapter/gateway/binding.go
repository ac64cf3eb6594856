package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/AlexZinkM/canton-connect/internal/model"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultConnectTimeout = 2 * time.Minute
	defaultRequestTimeout = 15 * time.Second
)

// Binding ties a wallet id from the registry to a gateway deployment
type Binding struct {
	WalletID string `toml:"wallet_id"`
	BaseURL  string `toml:"base_url"`
	// TokenKey is the gateway's base58 ed25519 key for access tokens
	TokenKey       string        `toml:"token_key"`
	Issuer         string        `toml:"issuer"`
	Capabilities   []string      `toml:"capabilities"`
	PollInterval   time.Duration `toml:"poll_interval"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

type bindingsFile struct {
	Wallets []Binding `toml:"wallet"`
}

// LoadBindings reads a TOML file of [[wallet]] tables
func LoadBindings(path string) ([]Binding, error) {
	var f bindingsFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter bindings %s: %w", path, err)
	}
	return finishBindings(f, md)
}

// ParseBindings is LoadBindings for in-memory documents
func ParseBindings(doc string) ([]Binding, error) {
	var f bindingsFile
	md, err := toml.Decode(doc, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse adapter bindings: %w", err)
	}
	return finishBindings(f, md)
}

func finishBindings(f bindingsFile, md toml.MetaData) ([]Binding, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in adapter bindings: %s", strings.Join(keys, ", "))
	}
	seen := map[string]struct{}{}
	for i := range f.Wallets {
		b := &f.Wallets[i]
		if err := b.validate(); err != nil {
			return nil, fmt.Errorf("wallet[%d]: %w", i, err)
		}
		if _, dup := seen[b.WalletID]; dup {
			return nil, fmt.Errorf("wallet[%d]: duplicate wallet id %s", i, b.WalletID)
		}
		seen[b.WalletID] = struct{}{}
	}
	return f.Wallets, nil
}

func (b *Binding) validate() error {
	if _, err := model.NewWalletID(b.WalletID); err != nil {
		return err
	}
	if b.BaseURL == "" {
		return fmt.Errorf("%s: base_url is required", b.WalletID)
	}
	if b.TokenKey == "" {
		return fmt.Errorf("%s: token_key is required", b.WalletID)
	}
	if b.PollInterval <= 0 {
		b.PollInterval = defaultPollInterval
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = defaultConnectTimeout
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = defaultRequestTimeout
	}
	if len(b.Capabilities) == 0 {
		b.Capabilities = []string{string(model.CapabilityConnect), string(model.CapabilityDisconnect), string(model.CapabilityRestore)}
	}
	return nil
}
