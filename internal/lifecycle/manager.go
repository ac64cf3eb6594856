// Package lifecycle owns the live wallet session: it is the only component that moves a
// session between connect, restore, disconnect and expiry.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// State of a Manager
type State string

const (
	StateDisconnected  State = "Disconnected"
	StateConnecting    State = "Connecting"
	StateConnected     State = "Connected"
	StateRestoring     State = "Restoring"
	StateDisconnecting State = "Disconnecting"
)

// RestoreReasonResumed marks sessions that came back through Restore
const RestoreReasonResumed = "resumed"

// Operation outcomes reported to the Recorder besides error kinds
const (
	OutcomeOK      = "ok"
	OutcomeNothing = "nothing"
)

// Trust is the registry view the manager needs
type Trust interface {
	Ensure(ctx context.Context, channel string) error
	GetWallet(id model.WalletID) (model.WalletManifestEntry, bool, error)
}

// Adapters resolves wallet ids to adapters
type Adapters interface {
	Resolve(id model.WalletID) (adapter.Adapter, bool)
}

// SessionStore persists the single session of an origin
type SessionStore interface {
	Save(ctx context.Context, ps model.PersistedSession) error
	Load(ctx context.Context) (*model.PersistedSession, error)
	Clear(ctx context.Context) error
}

// Publisher receives lifecycle events
type Publisher interface {
	Publish(ev events.Event)
}

// Recorder observes operation outcomes and state changes
type Recorder interface {
	ObserveOperation(op, outcome string)
	SetState(state string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string) {}
func (nopRecorder) SetState(string)                 {}

// Config for a Manager
type Config struct {
	Origin  string
	Network model.Network
	Channel string
	AppName string
	// AdapterTimeout bounds each adapter call, including the user's approval during Connect
	AdapterTimeout time.Duration
	Clock          func() time.Time
	Logger         logging.Logger
	Recorder       Recorder
}

const defaultAdapterTimeout = 3 * time.Minute

// Manager is the session state machine for one origin.
// At most one Connect, Restore or Disconnect runs at a time; a second call fails with
// OperationInProgress instead of queuing.
type Manager struct {
	cfg      Config
	trust    Trust
	adapters Adapters
	store    SessionStore
	bus      Publisher
	logger   logging.Logger
	recorder Recorder

	mu      sync.Mutex
	state   State
	busy    bool
	current *model.PersistedSession
}

// New creates a Manager in the Disconnected state
func New(cfg Config, trust Trust, adapters Adapters, store SessionStore, bus Publisher) (*Manager, error) {
	if trust == nil || adapters == nil || store == nil || bus == nil {
		return nil, errors.New("trust, adapters, store and publisher are required")
	}
	if cfg.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if _, err := model.ParseNetwork(string(cfg.Network)); err != nil {
		return nil, err
	}
	if cfg.Channel == "" {
		return nil, errors.New("registry channel is required")
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = defaultAdapterTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.MustGetLogger("lifecycle")
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	m := &Manager{
		cfg:      cfg,
		trust:    trust,
		adapters: adapters,
		store:    store,
		bus:      bus,
		logger:   logger,
		recorder: rec,
		state:    StateDisconnected,
	}
	rec.SetState(string(StateDisconnected))
	return m, nil
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// begin claims the single operation slot and moves to the transient state
func (m *Manager) begin(op string, transient State) (*model.PersistedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		m.recorder.ObserveOperation(op, string(common.KindOperationInProgress))
		return nil, common.Ef(common.KindOperationInProgress, op, "%s is already in progress", m.state)
	}
	m.busy = true
	prev := m.current
	m.setState(transient)
	return prev, nil
}

// finish releases the operation slot with the settled state
func (m *Manager) finish(state State, current *model.PersistedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = current
	m.setState(state)
	m.busy = false
}

func (m *Manager) setState(s State) {
	m.state = s
	m.recorder.SetState(string(s))
}

// Connect establishes a new session with walletID. An existing session is torn down first.
func (m *Manager) Connect(ctx context.Context, walletID model.WalletID) (model.Session, error) {
	prev, err := m.begin("connect", StateConnecting)
	if err != nil {
		return model.Session{}, err
	}
	if prev = m.dropExpired(ctx, prev); prev != nil {
		m.teardown(ctx, prev)
	}

	ps, err := m.connect(ctx, walletID)
	if err != nil {
		m.finish(StateDisconnected, nil)
		m.observe("connect", err)
		m.logger.Warnw("connect failed", "wallet", walletID, "err", err)
		return model.Session{}, err
	}

	m.finish(StateConnected, ps)
	m.observe("connect", nil)
	m.logger.Infow("wallet connected", "wallet", walletID, "party", ps.PartyID, "session", ps.SessionID)
	m.publish(events.SessionConnected, events.ReasonConnect, ps)
	return ps.Session.Copy(), nil
}

func (m *Manager) connect(ctx context.Context, walletID model.WalletID) (*model.PersistedSession, error) {
	entry, a, err := m.resolve(ctx, "connect", walletID)
	if err != nil {
		return nil, err
	}
	if !entry.SupportsNetwork(m.cfg.Network) {
		return nil, common.Ef(common.KindWalletUnavailable, "connect", "%s does not support %s", walletID, m.cfg.Network)
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
	defer cancel()

	if d := a.DetectInstalled(actx); !d.Installed {
		return nil, common.Ef(common.KindWalletUnavailable, "connect", "%s is not available: %s", walletID, d.Reason)
	}

	res, err := callConnect(actx, a, m.connectContext(entry))
	if err != nil {
		return nil, common.Classify(err, "connect", common.KindTransportError)
	}
	if res.PartyID == "" {
		return nil, common.Ef(common.KindAdapterMalfunction, "connect", "%s returned no party id", walletID)
	}

	now := m.now()
	if res.ExpiresAt != nil && !now.Before(*res.ExpiresAt) {
		return nil, common.Ef(common.KindAdapterMalfunction, "connect", "%s returned an already expired session", walletID)
	}
	network := res.Network
	if network == "" {
		network = m.cfg.Network
	}
	snapshot := res.Capabilities.Clone()
	if snapshot.Len() == 0 {
		snapshot = a.Capabilities().Clone()
	}
	meta, err := jsonMetadata(res.Metadata)
	if err != nil {
		return nil, common.E(common.KindAdapterMalfunction, "connect", err)
	}

	ps := &model.PersistedSession{
		Session: model.Session{
			WalletID:     walletID,
			PartyID:      res.PartyID,
			Network:      network,
			CreatedAt:    now,
			ExpiresAt:    utcPtr(res.ExpiresAt),
			Capabilities: snapshot,
		},
		SessionID: model.NewSessionID(),
		Origin:    m.cfg.Origin,
		Metadata:  meta,
	}
	m.persist(ctx, ps)
	return ps, nil
}

// resolve re-checks trust for walletID and finds its adapter
func (m *Manager) resolve(ctx context.Context, op string, walletID model.WalletID) (model.WalletManifestEntry, adapter.Adapter, error) {
	if err := m.trust.Ensure(ctx, m.cfg.Channel); err != nil {
		return model.WalletManifestEntry{}, nil, err
	}
	entry, ok, err := m.trust.GetWallet(walletID)
	if err != nil {
		return model.WalletManifestEntry{}, nil, err
	}
	if !ok {
		return model.WalletManifestEntry{}, nil, common.Ef(common.KindUnknownWallet, op, "%s is not in the trusted registry", walletID)
	}
	a, ok := m.adapters.Resolve(walletID)
	if !ok {
		return entry, nil, common.Ef(common.KindWalletUnavailable, op, "no adapter configured for %s", walletID)
	}
	return entry, a, nil
}

// Restore resumes the persisted session, if there is one and it is still valid.
// A nil session with a nil error means there was nothing to restore.
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	prev, err := m.begin("restore", StateRestoring)
	if err != nil {
		return nil, err
	}
	if prev = m.dropExpired(ctx, prev); prev != nil {
		m.finish(StateConnected, prev)
		s := prev.Session.Copy()
		return &s, nil
	}

	ps, err := m.restore(ctx)
	if err != nil || ps == nil {
		m.finish(StateDisconnected, nil)
		if err == nil {
			m.recorder.ObserveOperation("restore", OutcomeNothing)
		} else {
			m.observe("restore", err)
		}
		return nil, err
	}

	m.finish(StateConnected, ps)
	m.observe("restore", nil)
	m.logger.Infow("session restored", "wallet", ps.WalletID, "party", ps.PartyID, "session", ps.SessionID)
	m.publish(events.SessionConnected, events.ReasonRestore, ps)
	s := ps.Session.Copy()
	return &s, nil
}

func (m *Manager) restore(ctx context.Context) (*model.PersistedSession, error) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warnw("failed to load persisted session, nothing to restore", "err", err)
		return nil, nil
	}
	if stored == nil {
		return nil, nil
	}

	if stored.Expired(m.now()) {
		m.clearStore(ctx)
		m.logger.Infow("persisted session expired", "wallet", stored.WalletID, "session", stored.SessionID)
		m.publish(events.SessionExpired, "", stored)
		return nil, nil
	}

	entry, a, err := m.resolve(ctx, "restore", stored.WalletID)
	if err != nil {
		switch kind, _ := common.KindOf(err); kind {
		case common.KindUnknownWallet:
			m.clearStore(ctx)
		case common.KindWalletUnavailable:
			m.clearStore(ctx)
			return nil, nil
		}
		return nil, err
	}
	if !stored.Capabilities.Has(model.CapabilityRestore) || !a.Capabilities().Has(model.CapabilityRestore) || !entry.SupportsNetwork(stored.Network) {
		m.clearStore(ctx)
		return nil, nil
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
	defer cancel()

	res, err := callRestore(actx, a, m.connectContext(entry), *stored)
	if err != nil {
		m.logger.Errorw("adapter restore failed", "wallet", stored.WalletID, "kind", common.KindAdapterMalfunction, "err", err)
		m.recorder.ObserveOperation("restore", string(common.KindAdapterMalfunction))
		res = nil
	}
	if res == nil || (res.PartyID != "" && res.PartyID != stored.PartyID) {
		m.clearStore(ctx)
		return nil, nil
	}

	ps := &model.PersistedSession{
		Session:   stored.Session.Copy(),
		SessionID: stored.SessionID,
		Origin:    m.cfg.Origin,
		Metadata:  stored.Metadata,
	}
	ps.RestoreReason = RestoreReasonResumed
	if res.Network != "" {
		ps.Network = res.Network
	}
	if res.ExpiresAt != nil {
		ps.ExpiresAt = utcPtr(res.ExpiresAt)
	}
	if res.Metadata != nil {
		meta, err := jsonMetadata(res.Metadata)
		if err != nil {
			m.logger.Errorw("adapter restore returned bad metadata", "wallet", stored.WalletID, "kind", common.KindAdapterMalfunction, "err", err)
			m.recorder.ObserveOperation("restore", string(common.KindAdapterMalfunction))
			m.clearStore(ctx)
			return nil, nil
		}
		ps.Metadata = meta
	}
	if ps.Expired(m.now()) {
		m.clearStore(ctx)
		m.publish(events.SessionExpired, "", ps)
		return nil, nil
	}
	m.persist(ctx, ps)
	return ps, nil
}

// Disconnect ends the session. Adapter failures are logged; locally it always succeeds.
func (m *Manager) Disconnect(ctx context.Context) error {
	prev, err := m.begin("disconnect", StateDisconnecting)
	if err != nil {
		return err
	}
	if prev = m.dropExpired(ctx, prev); prev == nil {
		m.clearStore(ctx)
		m.finish(StateDisconnected, nil)
		return nil
	}
	m.teardown(ctx, prev)
	m.finish(StateDisconnected, nil)
	m.observe("disconnect", nil)
	return nil
}

// teardown disconnects ps at the adapter, clears storage and announces the disconnect
func (m *Manager) teardown(ctx context.Context, ps *model.PersistedSession) {
	if a, ok := m.adapters.Resolve(ps.WalletID); ok && a.Capabilities().Has(model.CapabilityDisconnect) {
		actx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
		if err := callDisconnect(actx, a, *ps); err != nil {
			m.logger.Warnw("adapter disconnect failed", "wallet", ps.WalletID, "err", err)
		}
		cancel()
	}
	m.clearStore(ctx)
	m.logger.Infow("wallet disconnected", "wallet", ps.WalletID, "session", ps.SessionID)
	m.publish(events.SessionDisconnected, "", ps)
}

// Session returns a copy of the live session, or nil. An expired session is dropped first.
func (m *Manager) Session(ctx context.Context) *model.Session {
	m.CheckExpiry(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Expired(m.now()) {
		return nil
	}
	s := m.current.Session.Copy()
	return &s
}

// CheckExpiry drops the live session if its expiry has passed, without calling the adapter.
// It reports whether a session expired. While an operation is in flight the operation
// itself handles expiry, so nothing is done here.
func (m *Manager) CheckExpiry(ctx context.Context) bool {
	m.mu.Lock()
	if m.busy || m.current == nil || !m.current.Expired(m.now()) {
		m.mu.Unlock()
		return false
	}
	expired := m.current
	m.current = nil
	m.setState(StateDisconnected)
	// the store is cleared before mu is released
	m.clearStore(ctx)
	m.mu.Unlock()

	m.announceExpiry(expired)
	return true
}

// dropExpired is used by operations holding the slot: an expired prev is cleared and
// announced without an adapter call, and nil is returned in its place
func (m *Manager) dropExpired(ctx context.Context, prev *model.PersistedSession) *model.PersistedSession {
	if prev == nil || !prev.Expired(m.now()) {
		return prev
	}
	m.clearStore(ctx)
	m.announceExpiry(prev)
	return nil
}

func (m *Manager) announceExpiry(ps *model.PersistedSession) {
	m.recorder.ObserveOperation("expire", OutcomeOK)
	m.logger.Infow("session expired", "wallet", ps.WalletID, "session", ps.SessionID)
	m.publish(events.SessionExpired, "", ps)
}

// WatchExpiry runs CheckExpiry every interval until ctx is done
func (m *Manager) WatchExpiry(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CheckExpiry(ctx)
		}
	}
}

func (m *Manager) connectContext(entry model.WalletManifestEntry) adapter.ConnectContext {
	return adapter.ConnectContext{
		Origin:  m.cfg.Origin,
		Network: m.cfg.Network,
		Entry:   entry,
		AppName: m.cfg.AppName,
		Notify: func(ev events.Event) {
			if ev.WalletID == "" {
				ev.WalletID = entry.WalletID
			}
			m.bus.Publish(ev)
		},
	}
}

// persist writes ps; a failure only costs the ability to restore later
func (m *Manager) persist(ctx context.Context, ps *model.PersistedSession) {
	if err := m.store.Save(ctx, *ps); err != nil {
		m.logger.Errorw("failed to persist session", "wallet", ps.WalletID, "session", ps.SessionID, "err", err)
	}
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Errorw("failed to clear persisted session", "err", err)
	}
}

func (m *Manager) publish(t events.Type, reason events.Reason, ps *model.PersistedSession) {
	s := ps.Session.Copy()
	m.bus.Publish(events.Event{Type: t, At: m.now(), Reason: reason, WalletID: ps.WalletID, Session: &s})
}

func (m *Manager) observe(op string, err error) {
	if err == nil {
		m.recorder.ObserveOperation(op, OutcomeOK)
		return
	}
	kind, ok := common.KindOf(err)
	if !ok {
		kind = common.KindTransportError
	}
	m.recorder.ObserveOperation(op, string(kind))
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock().UTC()
}

// jsonMetadata returns md in the form the session store gives it back
// (numbers as float64, nested values as map[string]any and []any)
func jsonMetadata(md map[string]any) (map[string]any, error) {
	if md == nil {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("adapter metadata is not JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("adapter metadata is not JSON: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func callConnect(ctx context.Context, a adapter.Adapter, cc adapter.ConnectContext) (res adapter.ConnectResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.E(common.KindAdapterMalfunction, "connect", fmt.Errorf("adapter panicked: %v", r))
		}
	}()
	return a.Connect(ctx, cc)
}

func callRestore(ctx context.Context, a adapter.Adapter, cc adapter.ConnectContext, ps model.PersistedSession) (res *adapter.RestoreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, common.E(common.KindAdapterMalfunction, "restore", fmt.Errorf("adapter panicked: %v", r))
		}
	}()
	return a.Restore(ctx, cc, ps)
}

func callDisconnect(ctx context.Context, a adapter.Adapter, ps model.PersistedSession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.E(common.KindAdapterMalfunction, "disconnect", fmt.Errorf("adapter panicked: %v", r))
		}
	}()
	return a.Disconnect(ctx, ps)
}
