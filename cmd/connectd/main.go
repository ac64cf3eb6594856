// Command connectd serves the wallet session API for one application origin.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/adapter/gateway"
	"github.com/AlexZinkM/canton-connect/internal/api"
	"github.com/AlexZinkM/canton-connect/internal/config"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/handler"
	"github.com/AlexZinkM/canton-connect/internal/lifecycle"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/metrics"
	"github.com/AlexZinkM/canton-connect/internal/model"
	"github.com/AlexZinkM/canton-connect/internal/registry"
	"github.com/AlexZinkM/canton-connect/internal/sessionstore"
	"github.com/AlexZinkM/canton-connect/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "connectd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.Get()

	if err := logging.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return err
	}
	defer logging.Sync()
	logger := logging.MustGetLogger("connectd")

	network, err := model.ParseNetwork(cfg.Network)
	if err != nil {
		return err
	}

	// Prompt for passphrase before anything touches the session store
	if cfg.NeedsPassphrase() {
		if err := config.PromptForPassphrase(); err != nil {
			return err
		}
	}

	backend, closeBackend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	key, err := cfg.SessionKeyBytes()
	if err != nil {
		return err
	}
	store, err := sessionstore.New(backend, cfg.CipherProvider(), key, cfg.AppOrigin, logging.MustGetLogger("sessionstore"))
	clear(key)
	if err != nil {
		return err
	}

	bus := events.NewBus(logging.MustGetLogger("events"))
	m := metrics.New()

	verifier, err := newVerifier(cfg, m, bus)
	if err != nil {
		return err
	}

	bindings, err := gateway.LoadBindings(cfg.AdaptersFile)
	if err != nil {
		return err
	}
	adapters := adapter.NewRegistry()
	if err := gateway.Register(adapters, bindings, logging.MustGetLogger("gateway")); err != nil {
		return err
	}
	logger.Infow("adapters registered", "wallets", adapters.IDs())

	manager, err := lifecycle.New(lifecycle.Config{
		Origin:         cfg.AppOrigin,
		Network:        network,
		Channel:        cfg.RegistryChannel,
		AppName:        cfg.AppName,
		AdapterTimeout: cfg.AdapterTimeout,
		Logger:         logging.MustGetLogger("lifecycle"),
		Recorder:       m,
	}, verifier, adapters, store, bus)
	if err != nil {
		return err
	}

	h, err := handler.NewSessionHandler(manager, verifier, adapters, bus, cfg.AppOrigin, logging.MustGetLogger("handler"))
	if err != nil {
		return err
	}
	router := api.SetupRouter(h, m.Handler(), m, logging.MustGetLogger("api"))

	go verifier.Run(ctx, cfg.RegistryChannel)
	go manager.WatchExpiry(ctx, cfg.ExpiryCheckInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Infow("listening", "addr", srv.Addr, "origin", cfg.AppOrigin, "network", network, "channel", cfg.RegistryChannel)
	return runServer(ctx, srv, logger)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	switch cfg.SessionStorage {
	case config.StorageMemory:
		return storage.NewMemory(), func() {}, nil
	case config.StorageRedis:
		client, err := storage.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pingRedis(ctx, client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		r, err := storage.NewRedis(client, cfg.AppOrigin)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return r, func() { _ = client.Close() }, nil
	default:
		f, err := storage.NewFile(cfg.SessionDir, cfg.AppOrigin)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	}
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func newVerifier(cfg *config.Config, m *metrics.Metrics, bus *events.Bus) (*registry.Verifier, error) {
	keys, err := registry.ParseTrustedKeys(cfg.RegistryKeys)
	if err != nil {
		return nil, err
	}
	policy, err := registry.ParseStalePolicy(cfg.RegistryStalePolicy)
	if err != nil {
		return nil, err
	}

	var fetcher registry.Fetcher
	if cfg.RegistryURL != "" {
		fetcher = registry.NewHTTPFetcher(cfg.RegistryURL)
	} else {
		fetcher = registry.NewFileFetcher(cfg.RegistryDir)
	}

	return registry.NewVerifier(fetcher, registry.Options{
		Keys:         keys,
		Threshold:    cfg.RegistryThreshold,
		Validity:     cfg.RegistryValidity,
		StaleCeiling: cfg.RegistryStaleCeiling,
		StalePolicy:  policy,
		FetchTimeout: cfg.RegistryFetchTimeout,
		Logger:       logging.MustGetLogger("registry"),
		OnRefresh: func(channel string, reg *model.TrustedRegistry, err error) {
			m.ObserveRefresh(channel, reg, err)
			if err != nil {
				return
			}
			bus.Publish(events.Event{Type: events.RegistryRefreshed, Channel: channel, Sequence: reg.Sequence})
		},
	})
}

func runServer(ctx context.Context, srv *http.Server, logger logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
