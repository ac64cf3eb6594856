package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/crypto"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
	"github.com/AlexZinkM/canton-connect/internal/sessionstore"
	"github.com/AlexZinkM/canton-connect/internal/storage"
)

const (
	testOrigin  = "https://app.example"
	testChannel = "stable"
	w1          = model.WalletID("w1")
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeTrust struct {
	mu        sync.Mutex
	entries   map[model.WalletID]model.WalletManifestEntry
	ensureErr error
}

func newTrust(ids ...model.WalletID) *fakeTrust {
	t := &fakeTrust{entries: map[model.WalletID]model.WalletManifestEntry{}}
	for _, id := range ids {
		t.entries[id] = model.WalletManifestEntry{
			WalletID: id,
			Name:     string(id),
			Networks: []model.Network{model.NetworkTestnet},
		}
	}
	return t
}

func (f *fakeTrust) Ensure(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureErr
}

func (f *fakeTrust) GetWallet(id model.WalletID) (model.WalletManifestEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return e, ok, nil
}

func (f *fakeTrust) remove(id model.WalletID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}

func (f *fakeTrust) failEnsure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureErr = err
}

type fakeAdapter struct {
	mu            sync.Mutex
	caps          model.CapabilitySet
	missing       bool
	connectFn     func(ctx context.Context, cc adapter.ConnectContext) (adapter.ConnectResult, error)
	restoreFn     func(ctx context.Context, ps model.PersistedSession) (*adapter.RestoreResult, error)
	disconnectErr error
	disconnects   int
	restores      int
}

func newAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps: model.NewCapabilitySet(model.CapabilityConnect, model.CapabilityDisconnect, model.CapabilityRestore),
		connectFn: func(context.Context, adapter.ConnectContext) (adapter.ConnectResult, error) {
			exp := t0.Add(time.Hour)
			return adapter.ConnectResult{
				PartyID:   "alice::1220beef",
				Network:   model.NetworkTestnet,
				ExpiresAt: &exp,
				Metadata:  map[string]any{"accessToken": "tok-1"},
			}, nil
		},
		restoreFn: func(_ context.Context, ps model.PersistedSession) (*adapter.RestoreResult, error) {
			return &adapter.RestoreResult{PartyID: ps.PartyID, Metadata: map[string]any{"accessToken": "tok-rotated"}}, nil
		},
	}
}

func (f *fakeAdapter) setCaps(caps ...model.Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = model.NewCapabilitySet(caps...)
}

func (f *fakeAdapter) Capabilities() model.CapabilitySet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps.Clone()
}

func (f *fakeAdapter) DetectInstalled(context.Context) adapter.Detection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return adapter.Detection{Reason: "extension not found"}
	}
	return adapter.Detection{Installed: true}
}

func (f *fakeAdapter) Connect(ctx context.Context, cc adapter.ConnectContext) (adapter.ConnectResult, error) {
	return f.connectFn(ctx, cc)
}

func (f *fakeAdapter) Disconnect(context.Context, model.PersistedSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakeAdapter) Restore(ctx context.Context, _ adapter.ConnectContext, ps model.PersistedSession) (*adapter.RestoreResult, error) {
	f.mu.Lock()
	f.restores++
	fn := f.restoreFn
	f.mu.Unlock()
	return fn(ctx, ps)
}

func (f *fakeAdapter) counts() (disconnects, restores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects, f.restores
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

type harness struct {
	m        *Manager
	trust    *fakeTrust
	adapter  *fakeAdapter
	store    *sessionstore.Store
	backend  *storage.Memory
	key      []byte
	clock    *fakeClock
	bus      *events.Bus
	events   <-chan events.Event
	logger   logging.Logger
	adapters *adapter.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.FromZap(zaptest.NewLogger(t))
	key, err := crypto.NewAESGCM().GenerateKey()
	require.NoError(t, err)
	backend := storage.NewMemory()
	store, err := sessionstore.New(backend, crypto.NewAESGCM(), key, testOrigin, logger)
	require.NoError(t, err)

	a := newAdapter()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(w1, a))

	bus := events.NewBus(logger)
	ch, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)

	h := &harness{
		trust:    newTrust(w1),
		adapter:  a,
		store:    store,
		backend:  backend,
		key:      key,
		clock:    &fakeClock{now: t0},
		bus:      bus,
		events:   ch,
		logger:   logger,
		adapters: reg,
	}
	h.m = h.newManager(t, store)
	return h
}

// newManager builds another manager over the same dependencies, as a second tab would
func (h *harness) newManager(t *testing.T, store SessionStore) *Manager {
	t.Helper()
	m, err := New(Config{
		Origin:         testOrigin,
		Network:        model.NetworkTestnet,
		Channel:        testChannel,
		AppName:        "test-app",
		AdapterTimeout: time.Second,
		Clock:          h.clock.Now,
		Logger:         h.logger,
	}, h.trust, h.adapters, store, h.bus)
	require.NoError(t, err)
	return m
}

// drain returns the events published so far
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) stored(t *testing.T) *model.PersistedSession {
	t.Helper()
	ps, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return ps
}

func rejected() error {
	return common.Ef(common.KindUserRejected, "connect", "user closed the prompt")
}
