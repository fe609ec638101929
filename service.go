package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kacy/approov-gateway/config"
	"github.com/kacy/approov-gateway/provider"
	"github.com/kacy/approov-gateway/settings"
)

// Service is a batteries-included gateway: it loads domain bindings from a
// YAML file (optionally watching it), persists dynamic configuration in
// SQLite, registers metrics and initializes the provider.
//
// This is the recommended way to run the gateway in a long-lived process.
// For advanced customization, use New directly with your own store and
// settings implementations.
type Service struct {
	gateway  *Gateway
	store    *config.Store
	settings settings.Store
	db       *settings.SQLiteStore
	watcher  *config.Watcher

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for a Service.
type ServiceConfig struct {
	// Provider issues attestation tokens (required).
	Provider provider.Provider

	// InitialConfig is passed to the provider on initialization (required).
	InitialConfig string

	// ConfigFile is a YAML bindings file (optional - omit to start with an
	// empty store).
	ConfigFile string

	// WatchConfig reloads ConfigFile whenever it changes.
	WatchConfig bool

	// SettingsPath is the SQLite database for persisted settings
	// (default: in-memory).
	SettingsPath string

	// Settings overrides the SQLite settings store, e.g. with a
	// redis.SettingsStore (optional).
	Settings settings.Store

	// HTTPClient overrides the pinning client (optional).
	HTTPClient HTTPClient

	// Registerer receives the gateway metrics (optional).
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// NewService creates and initializes a service.
//
// Example:
//
//	svc, err := gateway.NewService(ctx, gateway.ServiceConfig{
//	    Provider:      remoteProvider,
//	    InitialConfig: "initial-config",
//	    ConfigFile:    "/etc/approov/bindings.yaml",
//	    WatchConfig:   true,
//	    SettingsPath:  "/var/lib/approov/settings.db",
//	})
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.InitialConfig == "" {
		return nil, errors.New("initial config is required")
	}
	if cfg.WatchConfig && cfg.ConfigFile == "" {
		return nil, errors.New("watching requires a config file")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := config.NewStore()
	if cfg.ConfigFile != "" {
		s, err := config.LoadStore(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		store = s
	}

	svc := &Service{store: store, settings: cfg.Settings}
	if svc.settings == nil {
		path := cfg.SettingsPath
		if path == "" {
			path = ":memory:"
		}
		db, err := settings.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		svc.db = db
		svc.settings = db
	}

	gw, err := New(Config{
		Provider:   cfg.Provider,
		Store:      store,
		Settings:   svc.settings,
		HTTPClient: cfg.HTTPClient,
		Metrics:    NewMetrics(cfg.Registerer),
		Logger:     logger,
	})
	if err != nil {
		svc.closeSettings()
		return nil, err
	}
	svc.gateway = gw

	if err := gw.Initialize(ctx, cfg.InitialConfig); err != nil {
		svc.closeSettings()
		return nil, err
	}

	if cfg.WatchConfig {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:   cfg.ConfigFile,
			Store:  store,
			Logger: logger,
		})
		if err == nil {
			err = w.Start(context.Background())
		}
		if err != nil {
			gw.Close()
			svc.closeSettings()
			return nil, err
		}
		svc.watcher = w
	}

	return svc, nil
}

// PerformRequest runs req through the gateway.
func (s *Service) PerformRequest(ctx context.Context, req *Request) (*Response, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New("service is closed")
	}
	s.mu.RUnlock()

	return s.gateway.PerformRequest(ctx, req)
}

// Close stops the watcher, waits for background work and closes the
// settings database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	errs = append(errs, s.gateway.Close(), s.closeSettings())
	return errors.Join(errs...)
}

func (s *Service) closeSettings() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Gateway returns the underlying gateway for advanced use cases.
func (s *Service) Gateway() *Gateway {
	return s.gateway
}

// Store returns the configuration store.
func (s *Service) Store() *config.Store {
	return s.store
}

// Settings returns the settings store.
func (s *Service) Settings() settings.Store {
	return s.settings
}
