package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

func newVerifier(t *testing.T, f Fetcher, clock *fakeClock, keys []TrustedKey, mutate ...func(*Options)) *Verifier {
	t.Helper()
	opts := Options{
		Keys:         keys,
		Validity:     time.Hour,
		StaleCeiling: 2 * time.Hour,
		Clock:        clock.Now,
		Logger:       logging.FromZap(zaptest.NewLogger(t)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	v, err := NewVerifier(f, opts)
	require.NoError(t, err)
	return v
}

func TestRefreshAcceptsSignedManifest(t *testing.T) {
	ctx := context.Background()
	op := newSigner(t, "ops-2026")
	f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 3), op)}
	clock := &fakeClock{now: baseTime}
	v := newVerifier(t, f, clock, []TrustedKey{op.trusted()})

	reg, err := v.Refresh(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "stable", reg.Channel)
	assert.Equal(t, uint64(3), reg.Sequence)
	assert.Equal(t, baseTime.Add(time.Hour), reg.ValidUntil)
	assert.Len(t, reg.Entries, 2)

	e, ok, err := v.GetWallet("console-wallet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "console-wallet display", e.Name)
	assert.Equal(t, []model.Network{model.NetworkMainnet, model.NetworkTestnet}, e.Networks)
	assert.True(t, e.Capabilities.Has(model.CapabilityRestore))
	require.Len(t, e.Signatures, 1)
	assert.Equal(t, "ops-2026", e.Signatures[0].KeyID)

	_, ok, err = v.GetWallet("nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	wallets, err := v.Wallets()
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, model.WalletID("console-wallet"), wallets[0].WalletID)
}

func TestCanonicalFormIgnoresWhitespaceAndOrder(t *testing.T) {
	op := newSigner(t, "ops")
	signed := signDoc(t, manifestDocument("stable", 1), op)

	// Re-encode through a generic map with indentation: member order and spacing change
	var generic map[string]any
	require.NoError(t, json.Unmarshal(signed, &generic))
	reencoded, err := json.MarshalIndent(generic, "", "\t")
	require.NoError(t, err)
	require.NotEqual(t, signed, reencoded)

	m, err := Verify(reencoded, []TrustedKey{op.trusted()}, 0)
	require.NoError(t, err)
	assert.Len(t, m.Wallets, 2)
}

func TestTamperedManifestContributesNothing(t *testing.T) {
	ctx := context.Background()
	op := newSigner(t, "ops")
	clock := &fakeClock{now: baseTime}
	f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 1), op)}
	v := newVerifier(t, f, clock, []TrustedKey{op.trusted()})
	first, err := v.Refresh(ctx, "stable")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(signDoc(t, manifestDocument("stable", 2), op), &doc))
	doc["wallets"] = append(doc["wallets"].([]any), wallet("evil-wallet"))
	tampered, _ := json.Marshal(doc)
	f.set(tampered, nil)

	_, err = v.Refresh(ctx, "stable")
	require.ErrorIs(t, err, common.ErrInvalidSignature)
	assert.Same(t, first, v.Current())

	_, ok, err := v.GetWallet("evil-wallet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejections(t *testing.T) {
	op := newSigner(t, "ops")
	backup := newSigner(t, "backup")
	stranger := newSigner(t, "stranger")
	keys := []TrustedKey{op.trusted(), backup.trusted()}

	unsigned, _ := json.Marshal(manifestDocument("stable", 1))

	v2 := manifestDocument("stable", 1)
	v2["version"] = 2

	badNetwork := manifestDocument("stable", 1, map[string]any{
		"walletId": "w1", "name": "W1", "adapter": map[string]any{"package": "p"}, "networks": []string{"moonnet"},
	})
	duplicate := manifestDocument("stable", 1, wallet("w1"), wallet("w1"))

	forged := signDoc(t, manifestDocument("stable", 1), op)
	var forgedDoc map[string]any
	require.NoError(t, json.Unmarshal(forged, &forgedDoc))
	forgedDoc["signatures"] = []map[string]any{
		{"keyId": "ops", "algorithm": "ed25519", "signature": forgedDoc["signatures"].([]any)[0].(map[string]any)["signature"]},
		{"keyId": "backup", "algorithm": "ed25519", "signature": forgedDoc["signatures"].([]any)[0].(map[string]any)["signature"]},
	}
	forgedRaw, _ := json.Marshal(forgedDoc)

	cases := map[string][]byte{
		"not json":             []byte("<manifest/>"),
		"unsigned":             unsigned,
		"below threshold":      signDoc(t, manifestDocument("stable", 1), op),
		"untrusted signer":     signDoc(t, manifestDocument("stable", 1), stranger),
		"wrong key claims id":  forgedRaw,
		"unsupported version":  signDoc(t, v2, op, backup),
		"invalid network":      signDoc(t, badNetwork, op, backup),
		"duplicate wallet ids": signDoc(t, duplicate, op, backup),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := Verify(raw, keys, 0)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, common.ErrInvalidSignature)
		})
	}

	m, err := Verify(signDoc(t, manifestDocument("stable", 1), op, backup, stranger), keys, 0)
	require.NoError(t, err)
	assert.Len(t, m.Signatures, 3)

	m, err = Verify(signDoc(t, manifestDocument("stable", 1), backup), keys, 1)
	require.NoError(t, err)
	assert.Len(t, m.Wallets, 2)
}

func TestRefreshRejectsChannelMismatchExpiryAndRollback(t *testing.T) {
	ctx := context.Background()
	op := newSigner(t, "ops")
	clock := &fakeClock{now: baseTime}
	f := &staticFetcher{}
	v := newVerifier(t, f, clock, []TrustedKey{op.trusted()})

	f.set(signDoc(t, manifestDocument("beta", 1), op), nil)
	_, err := v.Refresh(ctx, "stable")
	assert.ErrorIs(t, err, common.ErrInvalidSignature)

	expired := manifestDocument("stable", 1)
	expired["expiresAt"] = baseTime.Add(-time.Minute).Format(time.RFC3339)
	f.set(signDoc(t, expired, op), nil)
	_, err = v.Refresh(ctx, "stable")
	assert.ErrorIs(t, err, common.ErrRegistryStale)

	f.set(signDoc(t, manifestDocument("stable", 5), op), nil)
	_, err = v.Refresh(ctx, "stable")
	require.NoError(t, err)

	f.set(signDoc(t, manifestDocument("stable", 4), op), nil)
	_, err = v.Refresh(ctx, "stable")
	assert.ErrorIs(t, err, common.ErrInvalidSignature)
	assert.Equal(t, uint64(5), v.Current().Sequence)
}

func TestManifestExpiryCapsValidity(t *testing.T) {
	op := newSigner(t, "ops")
	doc := manifestDocument("stable", 1)
	doc["expiresAt"] = baseTime.Add(10 * time.Minute).Format(time.RFC3339)
	f := &staticFetcher{raw: signDoc(t, doc, op)}
	v := newVerifier(t, f, &fakeClock{now: baseTime}, []TrustedKey{op.trusted()})

	reg, err := v.Refresh(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(10*time.Minute), reg.ValidUntil)
}

func TestLookupsFailClosedPastStaleCeiling(t *testing.T) {
	op := newSigner(t, "ops")
	clock := &fakeClock{now: baseTime}
	f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 1), op)}
	v := newVerifier(t, f, clock, []TrustedKey{op.trusted()})

	_, _, err := v.GetWallet("console-wallet")
	assert.ErrorIs(t, err, common.ErrRegistryStale, "nothing verified yet")

	_, err = v.Refresh(context.Background(), "stable")
	require.NoError(t, err)

	clock.Advance(90 * time.Minute) // stale, within ceiling
	_, ok, err := v.GetWallet("console-wallet")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Hour) // past validUntil + ceiling
	_, _, err = v.GetWallet("console-wallet")
	assert.ErrorIs(t, err, common.ErrRegistryStale)
	_, err = v.Wallets()
	assert.ErrorIs(t, err, common.ErrRegistryStale)
}

func TestEnsureStalePolicies(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		policy  StalePolicy
		wantErr bool
	}{
		{ServeStale, false},
		{FailClosed, true},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			op := newSigner(t, "ops")
			clock := &fakeClock{now: baseTime}
			f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 1), op)}
			v := newVerifier(t, f, clock, []TrustedKey{op.trusted()}, func(o *Options) { o.StalePolicy = tc.policy })

			require.NoError(t, v.Ensure(ctx, "stable"))
			require.NoError(t, v.Ensure(ctx, "stable"))
			assert.Equal(t, 1, f.calls, "fresh registry is not refetched")

			clock.Advance(61 * time.Minute)
			f.set(nil, errors.New("registry down"))
			err := v.Ensure(ctx, "stable")
			assert.Equal(t, 2, f.calls)
			if tc.wantErr {
				assert.ErrorIs(t, err, common.ErrTransport)
			} else {
				assert.NoError(t, err)
			}

			clock.Advance(3 * time.Hour)
			assert.ErrorIs(t, v.Ensure(ctx, "stable"), common.ErrTransport)
		})
	}
}

func TestEnsureWithoutCacheSurfacesFailure(t *testing.T) {
	op := newSigner(t, "ops")
	f := &staticFetcher{err: context.DeadlineExceeded}
	v := newVerifier(t, f, &fakeClock{now: baseTime}, []TrustedKey{op.trusted()})
	assert.ErrorIs(t, v.Ensure(context.Background(), "stable"), common.ErrTimeout)
}

func TestRefreshSurvivesCancelledCaller(t *testing.T) {
	op := newSigner(t, "ops")
	f := newGatedFetcher(signDoc(t, manifestDocument("stable", 1), op))
	v := newVerifier(t, f, &fakeClock{now: baseTime}, []TrustedKey{op.trusted()})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := v.Refresh(ctx, "stable")
		errCh <- err
	}()

	<-f.entered
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	// the shared fetch is still running and completes for everyone else
	close(f.release)
	require.Eventually(t, func() bool { return v.Current() != nil }, time.Second, 5*time.Millisecond)
	select {
	case err := <-f.ctxErr:
		t.Fatalf("fetch was cancelled: %v", err)
	default:
	}

	reg, err := v.Refresh(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reg.Sequence)
}

func TestOnRefreshObservesOutcomes(t *testing.T) {
	op := newSigner(t, "ops")
	f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 1), op)}
	var outcomes []error
	v := newVerifier(t, f, &fakeClock{now: baseTime}, []TrustedKey{op.trusted()}, func(o *Options) {
		o.OnRefresh = func(_ string, _ *model.TrustedRegistry, err error) { outcomes = append(outcomes, err) }
	})

	_, _ = v.Refresh(context.Background(), "stable")
	f.set([]byte("{}"), nil)
	_, _ = v.Refresh(context.Background(), "stable")

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0])
	assert.ErrorIs(t, outcomes[1], common.ErrInvalidSignature)
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	op := newSigner(t, "ops")
	f := &staticFetcher{raw: signDoc(t, manifestDocument("stable", 1), op)}
	v := newVerifier(t, f, &fakeClock{now: baseTime}, []TrustedKey{op.trusted()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx, "stable")
		close(done)
	}()

	require.Eventually(t, func() bool { return v.Current() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewVerifierValidates(t *testing.T) {
	op := newSigner(t, "ops")
	_, err := NewVerifier(nil, Options{Keys: []TrustedKey{op.trusted()}})
	assert.Error(t, err)
	_, err = NewVerifier(&staticFetcher{}, Options{})
	assert.Error(t, err)
	_, err = NewVerifier(&staticFetcher{}, Options{Keys: []TrustedKey{op.trusted()}, Threshold: 2})
	assert.Error(t, err)

	p, err := ParseStalePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ServeStale, p)
	_, err = ParseStalePolicy("sometimes")
	assert.Error(t, err)
}
