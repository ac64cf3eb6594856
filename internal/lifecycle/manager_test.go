package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/crypto"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/model"
	"github.com/AlexZinkM/canton-connect/internal/sessionstore"
)

func TestConnectUnknownWallet(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Connect(context.Background(), "not-listed")

	require.ErrorIs(t, err, common.ErrUnknownWallet)
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Nil(t, h.m.Session(context.Background()))
	assert.Nil(t, h.stored(t))
	assert.Empty(t, h.drain())
}

func TestConnectSnapshotsCapabilities(t *testing.T) {
	h := newHarness(t)
	h.adapter.setCaps(model.CapabilityConnect, model.CapabilityRestore)
	ctx := context.Background()

	s, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []model.Capability{model.CapabilityConnect, model.CapabilityRestore}, s.Capabilities.Sorted())
	assert.Equal(t, t0, s.CreatedAt)

	h.adapter.setCaps(model.CapabilityConnect)
	live := h.m.Session(ctx)
	require.NotNil(t, live)
	assert.Equal(t, []model.Capability{model.CapabilityConnect, model.CapabilityRestore}, live.Capabilities.Sorted())

	// consumers get copies
	live.PartyID = "mallory::1220"
	assert.Equal(t, model.PartyID("alice::1220beef"), h.m.Session(ctx).PartyID)

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.SessionConnected, evs[0].Type)
	assert.Equal(t, events.ReasonConnect, evs[0].Reason)

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.Equal(t, w1, stored.WalletID)
	assert.Equal(t, testOrigin, stored.Origin)
	assert.Equal(t, "tok-1", stored.Metadata["accessToken"])
}

func TestMetadataMatchesStoredForm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.connectFn = func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
		return adapter.ConnectResult{
			PartyID:  "alice::1220beef",
			Metadata: map[string]any{"rotation": 2, "scopes": []string{"read"}},
		}, nil
	}
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)

	h.m.mu.Lock()
	live := h.m.current.Metadata
	h.m.mu.Unlock()
	assert.Equal(t, map[string]any{"rotation": float64(2), "scopes": []any{"read"}}, live)
	assert.Equal(t, live, h.stored(t).Metadata)
}

func TestConnectRejectsUnserializableMetadata(t *testing.T) {
	h := newHarness(t)
	h.adapter.connectFn = func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
		return adapter.ConnectResult{PartyID: "alice::1220beef", Metadata: map[string]any{"cb": func() {}}}, nil
	}
	_, err := h.m.Connect(context.Background(), w1)
	require.ErrorIs(t, err, common.ErrAdapterMalfunction)
	assert.Nil(t, h.stored(t))
}

func TestConnectFailuresLeaveNoSession(t *testing.T) {
	boom := func(err error) func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
		return func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
			return adapter.ConnectResult{}, err
		}
	}
	cases := []struct {
		name  string
		setup func(h *harness)
		want  error
	}{
		{"rejected", func(h *harness) { h.adapter.connectFn = boom(rejected()) }, common.ErrUserRejected},
		{"plain error", func(h *harness) { h.adapter.connectFn = boom(errors.New("socket closed")) }, common.ErrTransport},
		{"not installed", func(h *harness) { h.adapter.missing = true }, common.ErrWalletUnavailable},
		{"no adapter", func(h *harness) { h.trust.entries["w2"] = model.WalletManifestEntry{WalletID: "w2", Networks: []model.Network{model.NetworkTestnet}} }, common.ErrWalletUnavailable},
		{"wrong network", func(h *harness) {
			e := h.trust.entries[w1]
			e.Networks = []model.Network{model.NetworkMainnet}
			h.trust.entries[w1] = e
		}, common.ErrWalletUnavailable},
		{"registry stale", func(h *harness) { h.trust.failEnsure(common.Ef(common.KindRegistryStale, "registry", "expired")) }, common.ErrRegistryStale},
		{"timeout", func(h *harness) {
			h.adapter.connectFn = func(ctx context.Context, _ adapter.ConnectContext) (adapter.ConnectResult, error) {
				<-ctx.Done()
				return adapter.ConnectResult{}, ctx.Err()
			}
		}, common.ErrTimeout},
		{"panic", func(h *harness) {
			h.adapter.connectFn = func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
				panic("adapter bug")
			}
		}, common.ErrAdapterMalfunction},
		{"no party", func(h *harness) { h.adapter.connectFn = boom(nil) }, common.ErrAdapterMalfunction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			h.m.cfg.AdapterTimeout = 50 * time.Millisecond

			target := w1
			if tc.name == "no adapter" {
				target = "w2"
			}
			_, err := h.m.Connect(context.Background(), target)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, StateDisconnected, h.m.State())
			assert.Nil(t, h.m.Session(context.Background()))
			assert.Nil(t, h.stored(t))
			assert.Empty(t, h.drain())
		})
	}
}

func TestPairingPromptsReachTheBus(t *testing.T) {
	h := newHarness(t)
	inner := h.adapter.connectFn
	h.adapter.connectFn = func(ctx context.Context, cc adapter.ConnectContext) (adapter.ConnectResult, error) {
		cc.Notify(events.Event{Type: events.WalletPairing, Pairing: &events.Pairing{URI: "canton://pair/1"}})
		return inner(ctx, cc)
	}

	_, err := h.m.Connect(context.Background(), w1)
	require.NoError(t, err)
	evs := h.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, events.WalletPairing, evs[0].Type)
	assert.Equal(t, w1, evs[0].WalletID)
	assert.Equal(t, events.SessionConnected, evs[1].Type)
}

func TestSecondOperationWhileInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	inner := h.adapter.connectFn
	h.adapter.connectFn = func(ctx context.Context, cc adapter.ConnectContext) (adapter.ConnectResult, error) {
		<-release
		return inner(ctx, cc)
	}

	var (
		wg    sync.WaitGroup
		first model.Session
		err1  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, err1 = h.m.Connect(ctx, w1)
	}()
	require.Eventually(t, func() bool { return h.m.State() == StateConnecting }, time.Second, time.Millisecond)

	_, err := h.m.Connect(ctx, w1)
	assert.ErrorIs(t, err, common.ErrOperationInProgress)
	_, err = h.m.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrOperationInProgress)
	assert.ErrorIs(t, h.m.Disconnect(ctx), common.ErrOperationInProgress)
	assert.False(t, h.m.CheckExpiry(ctx))

	close(release)
	wg.Wait()
	require.NoError(t, err1)
	assert.Equal(t, w1, first.WalletID)
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []events.Type{events.SessionConnected}, eventTypes(h.drain()))
}

func TestConnectReplacesExistingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	_, err = h.m.Connect(ctx, w1)
	require.NoError(t, err)

	disconnects, _ := h.adapter.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []events.Type{events.SessionConnected, events.SessionDisconnected, events.SessionConnected}, eventTypes(h.drain()))
	assert.NotNil(t, h.stored(t))
}

func TestRestoreNothingIsSilent(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Empty(t, h.drain())
}

func TestRestoreResumesPersistedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	connected, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	// a fresh manager over the same store, as after a page reload
	m2 := h.newManager(t, h.store)
	s, err := m2.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, connected.PartyID, s.PartyID)
	assert.Equal(t, RestoreReasonResumed, s.RestoreReason)
	assert.True(t, connected.Capabilities.Equal(s.Capabilities))
	assert.Equal(t, StateConnected, m2.State())

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.SessionConnected, evs[0].Type)
	assert.Equal(t, events.ReasonRestore, evs[0].Reason)

	assert.Equal(t, "tok-rotated", h.stored(t).Metadata["accessToken"])
}

func TestRestoreExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	h.clock.Advance(2 * time.Hour)
	m2 := h.newManager(t, h.store)
	s, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Nil(t, h.stored(t))
	assert.Equal(t, []events.Type{events.SessionExpired}, eventTypes(h.drain()))

	_, restores := h.adapter.counts()
	assert.Zero(t, restores)
}

func TestRestoreUnderAnotherOrigin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	other, err := sessionstore.New(h.backend.Share(), crypto.NewAESGCM(), h.key, "https://evil.example", h.logger)
	require.NoError(t, err)
	m2, err := New(Config{Origin: "https://evil.example", Network: model.NetworkTestnet, Channel: testChannel, Clock: h.clock.Now, Logger: h.logger},
		h.trust, h.adapters, other, h.bus)
	require.NoError(t, err)

	s, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, h.drain())
}

func TestRestoreOutcomesThatClearStorage(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{"adapter returns nil", func(h *harness) {
			h.adapter.restoreFn = func(context.Context, model.PersistedSession) (*adapter.RestoreResult, error) { return nil, nil }
		}, nil},
		{"adapter errors", func(h *harness) {
			h.adapter.restoreFn = func(context.Context, model.PersistedSession) (*adapter.RestoreResult, error) {
				return nil, errors.New("token endpoint exploded")
			}
		}, nil},
		{"adapter panics", func(h *harness) {
			h.adapter.restoreFn = func(context.Context, model.PersistedSession) (*adapter.RestoreResult, error) { panic("bug") }
		}, nil},
		{"different party", func(h *harness) {
			h.adapter.restoreFn = func(context.Context, model.PersistedSession) (*adapter.RestoreResult, error) {
				return &adapter.RestoreResult{PartyID: "mallory::1220"}, nil
			}
		}, nil},
		{"restore capability withdrawn", func(h *harness) { h.adapter.setCaps(model.CapabilityConnect) }, nil},
		{"wallet delisted", func(h *harness) { h.trust.remove(w1) }, common.ErrUnknownWallet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			_, err := h.m.Connect(ctx, w1)
			require.NoError(t, err)
			h.drain()
			tc.setup(h)

			m2 := h.newManager(t, h.store)
			s, err := m2.Restore(ctx)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Nil(t, s)
			assert.Equal(t, StateDisconnected, m2.State())
			assert.Nil(t, h.stored(t))
			assert.Empty(t, h.drain())
		})
	}
}

func TestRestoreKeepsRecordWhenRegistryUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)

	h.trust.failEnsure(common.Ef(common.KindTransportError, "registry", "unreachable"))
	m2 := h.newManager(t, h.store)
	_, err = m2.Restore(ctx)
	require.ErrorIs(t, err, common.ErrTransport)
	assert.NotNil(t, h.stored(t))
}

func TestDisconnectWithFailingAdapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()
	h.adapter.disconnectErr = errors.New("remote call failed")

	require.NoError(t, h.m.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Nil(t, h.m.Session(ctx))
	assert.Nil(t, h.stored(t))
	assert.Equal(t, []events.Type{events.SessionDisconnected}, eventTypes(h.drain()))
}

func TestDisconnectWhenIdleClearsStorage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	m2 := h.newManager(t, h.store)
	require.NoError(t, m2.Disconnect(ctx))
	assert.Nil(t, h.stored(t))
	assert.Empty(t, h.drain())

	disconnects, _ := h.adapter.counts()
	assert.Zero(t, disconnects)
}

func TestExpiryWithoutAdapterCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	assert.False(t, h.m.CheckExpiry(ctx))
	h.clock.Advance(time.Hour)
	assert.Nil(t, h.m.Session(ctx))
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Nil(t, h.stored(t))
	assert.Equal(t, []events.Type{events.SessionExpired}, eventTypes(h.drain()))

	disconnects, _ := h.adapter.counts()
	assert.Zero(t, disconnects)
}

func TestOperationsOnExpiredLiveSession(t *testing.T) {
	cases := []struct {
		name string
		run  func(ctx context.Context, m *Manager) error
		want []events.Type
	}{
		{"restore", func(ctx context.Context, m *Manager) error {
			s, err := m.Restore(ctx)
			if s != nil {
				return errors.New("expired session came back from restore")
			}
			return err
		}, []events.Type{events.SessionExpired}},
		{"disconnect", func(ctx context.Context, m *Manager) error {
			return m.Disconnect(ctx)
		}, []events.Type{events.SessionExpired}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			_, err := h.m.Connect(ctx, w1)
			require.NoError(t, err)
			h.drain()

			h.clock.Advance(2 * time.Hour)
			require.NoError(t, tc.run(ctx, h.m))

			assert.Equal(t, StateDisconnected, h.m.State())
			assert.Nil(t, h.m.Session(ctx))
			assert.Nil(t, h.stored(t))
			assert.Equal(t, tc.want, eventTypes(h.drain()))

			disconnects, restores := h.adapter.counts()
			assert.Zero(t, disconnects)
			assert.Zero(t, restores)
		})
	}
}

func TestConnectOverExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	h.clock.Advance(2 * time.Hour)
	h.adapter.connectFn = func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
		return adapter.ConnectResult{PartyID: "alice::1220beef"}, nil
	}
	_, err = h.m.Connect(ctx, w1)
	require.NoError(t, err)

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []events.Type{events.SessionExpired, events.SessionConnected}, eventTypes(h.drain()))
	disconnects, _ := h.adapter.counts()
	assert.Zero(t, disconnects)
}

// gatedStore holds the first Clear until released
type gatedStore struct {
	*sessionstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Clear(ctx context.Context) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.Clear(ctx)
}

func TestExpiryCheckDoesNotBlockConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gs := &gatedStore{Store: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	m := h.newManager(t, gs)
	_, err := m.Connect(ctx, w1)
	require.NoError(t, err)
	h.drain()

	h.clock.Advance(2 * time.Hour)
	h.adapter.connectFn = func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
		return adapter.ConnectResult{PartyID: "alice::1220beef"}, nil
	}

	checked := make(chan bool, 1)
	go func() { checked <- m.CheckExpiry(ctx) }()
	<-gs.entered

	connected := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, w1)
		connected <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(gs.release)

	assert.True(t, <-checked)
	require.NoError(t, <-connected)
	assert.Equal(t, StateConnected, m.State())
	require.NotNil(t, h.stored(t))
}

func TestWatchExpiry(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.m.Connect(ctx, w1)
	require.NoError(t, err)

	h.drain()

	done := make(chan struct{})
	go func() {
		h.m.WatchExpiry(ctx, 5*time.Millisecond)
		close(done)
	}()
	h.clock.Advance(2 * time.Hour)

	select {
	case ev := <-h.events:
		assert.Equal(t, events.SessionExpired, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("session did not expire")
	}
	cancel()
	<-done
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t)
	_, err := New(Config{Network: model.NetworkTestnet, Channel: testChannel}, h.trust, h.adapters, h.store, h.bus)
	assert.Error(t, err)
	_, err = New(Config{Origin: testOrigin, Network: "moon", Channel: testChannel}, h.trust, h.adapters, h.store, h.bus)
	assert.Error(t, err)
	_, err = New(Config{Origin: testOrigin, Network: model.NetworkTestnet, Channel: testChannel}, nil, h.adapters, h.store, h.bus)
	assert.Error(t, err)
}
