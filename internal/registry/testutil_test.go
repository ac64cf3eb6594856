package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

type signer struct {
	id  string
	key solana.PrivateKey
}

func newSigner(t *testing.T, id string) signer {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return signer{id: id, key: key}
}

func (s signer) trusted() TrustedKey {
	return TrustedKey{KeyID: s.id, PublicKey: s.key.PublicKey()}
}

var baseTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func manifestDocument(channel string, sequence uint64, wallets ...map[string]any) map[string]any {
	if len(wallets) == 0 {
		wallets = []map[string]any{wallet("console-wallet"), wallet("loop-wallet")}
	}
	return map[string]any{
		"version":  1,
		"channel":  channel,
		"sequence": sequence,
		"issuedAt": baseTime.Format(time.RFC3339),
		"wallets":  wallets,
	}
}

func wallet(id string) map[string]any {
	return map[string]any{
		"walletId":     id,
		"name":         id + " display",
		"adapter":      map[string]any{"package": "@canton/" + id, "version": "1.2.0"},
		"networks":     []string{"mainnet", "testnet"},
		"capabilities": []string{"connect", "restore"},
	}
}

func signDoc(t *testing.T, doc map[string]any, signers ...signer) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	for _, s := range signers {
		raw, err = Sign(raw, s.id, s.key)
		require.NoError(t, err)
	}
	return raw
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticFetcher serves whatever manifest bytes it currently holds
type staticFetcher struct {
	mu    sync.Mutex
	raw   []byte
	err   error
	calls int
}

func (f *staticFetcher) set(raw []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw, f.err = raw, err
}

func (f *staticFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.raw, f.err
}

// gatedFetcher blocks in Fetch until released or until its ctx ends
type gatedFetcher struct {
	raw     []byte
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
	once    sync.Once
}

func newGatedFetcher(raw []byte) *gatedFetcher {
	return &gatedFetcher{raw: raw, entered: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
}

func (f *gatedFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	f.once.Do(func() { close(f.entered) })
	select {
	case <-f.release:
		return f.raw, nil
	case <-ctx.Done():
		f.ctxErr <- ctx.Err()
		return nil, ctx.Err()
	}
}
