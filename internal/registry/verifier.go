// Package registry fetches, verifies and caches the signed list of wallets an application may offer.
//
// No entry reaches the TrustedRegistry without its manifest passing signature verification,
// and a manifest is not interpreted at all until its signatures check out. The verified
// registry is replaced wholesale on every successful refresh.
//
// Freshness: a registry is fresh until ValidUntil. Past that, lookups keep working until
// ValidUntil+StaleCeiling and then fail closed with RegistryStale. Whether a failed refresh
// may fall back to the cached copy is the explicit StalePolicy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// StalePolicy decides what Ensure does when a refresh fails
type StalePolicy string

const (
	// ServeStale keeps serving a cached registry that is still within the stale ceiling
	ServeStale StalePolicy = "serve-stale"
	// FailClosed surfaces the refresh failure
	FailClosed StalePolicy = "fail-closed"
)

// ParseStalePolicy validates raw as a StalePolicy
func ParseStalePolicy(raw string) (StalePolicy, error) {
	switch p := StalePolicy(raw); p {
	case ServeStale, FailClosed:
		return p, nil
	case "":
		return ServeStale, nil
	default:
		return "", fmt.Errorf("stale policy must be %s or %s, got %q", ServeStale, FailClosed, raw)
	}
}

const (
	defaultValidity      = time.Hour
	defaultStaleCeiling  = 24 * time.Hour
	defaultFetchTimeout  = 15 * time.Second
	defaultRetryInterval = time.Minute
)

// Options configures a Verifier
type Options struct {
	Keys []TrustedKey
	// Threshold is the number of distinct trusted signatures required; 0 means all keys
	Threshold int
	// Validity bounds how long a fetched registry counts as fresh
	Validity time.Duration
	// StaleCeiling is how long past ValidUntil lookups are still answered
	StaleCeiling time.Duration
	StalePolicy  StalePolicy
	FetchTimeout time.Duration
	// RetryInterval is the Run loop's delay after a failed refresh
	RetryInterval time.Duration
	Clock         func() time.Time
	Logger        logging.Logger
	// OnRefresh observes every refresh attempt; reg is nil on failure
	OnRefresh func(channel string, reg *model.TrustedRegistry, err error)
}

// Verifier holds the last verified registry
type Verifier struct {
	fetcher Fetcher
	opts    Options
	current atomic.Pointer[model.TrustedRegistry]
	sfg     singleflight.Group
	logger  logging.Logger
}

// NewVerifier creates a Verifier; it holds no registry until the first Refresh
func NewVerifier(fetcher Fetcher, opts Options) (*Verifier, error) {
	if fetcher == nil {
		return nil, errors.New("manifest fetcher is required")
	}
	if len(opts.Keys) == 0 {
		return nil, errors.New("at least one trusted registry key is required")
	}
	if opts.Threshold < 0 || opts.Threshold > len(opts.Keys) {
		return nil, fmt.Errorf("signature threshold %d out of range 1..%d", opts.Threshold, len(opts.Keys))
	}
	if opts.Validity <= 0 {
		opts.Validity = defaultValidity
	}
	if opts.StaleCeiling < 0 {
		return nil, errors.New("stale ceiling cannot be negative")
	}
	if opts.StaleCeiling == 0 {
		opts.StaleCeiling = defaultStaleCeiling
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = ServeStale
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.MustGetLogger("registry")
	}
	return &Verifier{fetcher: fetcher, opts: opts, logger: logger}, nil
}

// Refresh fetches and verifies the manifest for channel and, on success, replaces the
// current registry. On failure the current registry is left untouched.
// Concurrent callers share one fetch, bounded by FetchTimeout only; a caller whose ctx
// ends stops waiting without cancelling the fetch for the others.
func (v *Verifier) Refresh(ctx context.Context, channel string) (*model.TrustedRegistry, error) {
	shared := context.WithoutCancel(ctx)
	ch := v.sfg.DoChan(channel, func() (interface{}, error) {
		return v.refresh(shared, channel)
	})
	select {
	case <-ctx.Done():
		return nil, common.Classify(ctx.Err(), "registry.refresh", common.KindTransportError)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.TrustedRegistry), nil
	}
}

func (v *Verifier) refresh(ctx context.Context, channel string) (reg *model.TrustedRegistry, err error) {
	defer func() {
		if v.opts.OnRefresh != nil {
			v.opts.OnRefresh(channel, reg, err)
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, v.opts.FetchTimeout)
	defer cancel()

	raw, err := v.fetcher.Fetch(fctx, channel)
	if err != nil {
		v.logger.Warnw("manifest fetch failed", "channel", channel, "err", err)
		return nil, common.Classify(err, "registry.refresh", common.KindTransportError)
	}

	m, err := Verify(raw, v.opts.Keys, v.opts.Threshold)
	if err != nil {
		v.logger.Errorw("manifest rejected", "channel", channel, "err", err)
		return nil, err
	}

	now := v.now()
	if m.Channel != channel {
		return nil, common.Ef(common.KindInvalidSignature, "registry.refresh", "manifest is for channel %q, want %q", m.Channel, channel)
	}
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return nil, common.Ef(common.KindRegistryStale, "registry.refresh", "manifest expired at %s", m.ExpiresAt.Format(time.RFC3339))
	}
	if prev := v.current.Load(); prev != nil && prev.Channel == channel && m.Sequence < prev.Sequence {
		return nil, common.Ef(common.KindInvalidSignature, "registry.refresh", "manifest sequence %d is older than cached %d", m.Sequence, prev.Sequence)
	}

	validUntil := now.Add(v.opts.Validity)
	if m.ExpiresAt != nil && m.ExpiresAt.Before(validUntil) {
		validUntil = *m.ExpiresAt
	}
	entries := make(map[model.WalletID]model.WalletManifestEntry, len(m.Wallets))
	for _, w := range m.Wallets {
		entries[w.WalletID] = w
	}
	reg = &model.TrustedRegistry{
		Channel:    channel,
		Version:    m.Version,
		Sequence:   m.Sequence,
		Entries:    entries,
		FetchedAt:  now,
		ValidUntil: validUntil,
	}
	v.current.Store(reg)
	v.logger.Infow("registry refreshed", "channel", channel, "sequence", m.Sequence, "wallets", len(entries), "validUntil", validUntil)
	return reg, nil
}

// Current returns the last verified registry, or nil
func (v *Verifier) Current() *model.TrustedRegistry {
	return v.current.Load()
}

// usable returns the registry if lookups may still be answered from it
func (v *Verifier) usable() (*model.TrustedRegistry, error) {
	reg := v.current.Load()
	if reg == nil {
		return nil, common.Ef(common.KindRegistryStale, "registry.lookup", "no verified registry")
	}
	if v.now().After(reg.ValidUntil.Add(v.opts.StaleCeiling)) {
		return nil, common.Ef(common.KindRegistryStale, "registry.lookup", "registry for %s expired at %s", reg.Channel, reg.ValidUntil.Format(time.RFC3339))
	}
	return reg, nil
}

// GetWallet looks walletID up in the last verified registry. It never fetches.
func (v *Verifier) GetWallet(walletID model.WalletID) (model.WalletManifestEntry, bool, error) {
	reg, err := v.usable()
	if err != nil {
		return model.WalletManifestEntry{}, false, err
	}
	e, ok := reg.Lookup(walletID)
	return e, ok, nil
}

// Wallets returns the verified catalog ordered by wallet id
func (v *Verifier) Wallets() ([]model.WalletManifestEntry, error) {
	reg, err := v.usable()
	if err != nil {
		return nil, err
	}
	return reg.Wallets(), nil
}

// Ensure makes sure a fresh registry for channel is in place before it is relied on
// for a new connect or restore.
func (v *Verifier) Ensure(ctx context.Context, channel string) error {
	cached := v.current.Load()
	if cached != nil && cached.Channel == channel && v.now().Before(cached.ValidUntil) {
		return nil
	}

	_, err := v.Refresh(ctx, channel)
	if err == nil {
		return nil
	}
	if v.opts.StalePolicy == ServeStale && cached != nil && cached.Channel == channel {
		if _, uerr := v.usable(); uerr == nil {
			v.logger.Warnw("serving stale registry after failed refresh", "channel", channel, "validUntil", cached.ValidUntil, "err", err)
			return nil
		}
	}
	return err
}

// Run refreshes proactively whenever the validity window elapses, until ctx is done
func (v *Verifier) Run(ctx context.Context, channel string) {
	for {
		wait := v.opts.RetryInterval
		if _, err := v.Refresh(ctx, channel); err == nil {
			if reg := v.current.Load(); reg != nil {
				wait = max(reg.ValidUntil.Sub(v.now()), time.Second)
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (v *Verifier) now() time.Time {
	return v.opts.Clock().UTC()
}
