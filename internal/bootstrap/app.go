// Package bootstrap wires the kernel together in dependency order: config,
// logger, telemetry, store, backends, registry, extensions, ref types,
// engine. cmd/omniman subcommands build an App and pick the pieces they need.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"omniman/internal/alert"
	"omniman/internal/backends"
	"omniman/internal/config"
	"omniman/internal/core"
	"omniman/internal/engine"
	"omniman/internal/extensions"
	"omniman/internal/infrastructure/health"
	"omniman/internal/refs"
	"omniman/internal/registry"
	"omniman/internal/seed"
	"omniman/internal/storage"
	"omniman/internal/storage/postgres"
	"omniman/internal/storage/sqlite"
)

// App holds the wired kernel. Everything is ready to use after New; Serve
// adds the long-running pieces (HTTP, metrics, embedded worker) on top.
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Store    storage.Store
	Backends *backends.Set
	Registry *registry.Registry
	Refs     *refs.Service
	Engine   *engine.Service
	Health   *health.HealthManager
	Alerts   *alert.AlertManager
	Version  string
}

// New builds the kernel from configuration.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Starting omniman",
		"version", version,
		"service", cfg.App.ServiceName,
		"driver", cfg.Database.Driver,
		"currency", cfg.App.Currency)

	initTelemetry(logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	set, err := backends.Build(backendConfig(cfg), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build backends: %w", err)
	}
	seedMemoryBackends(set, logger)

	reg := registry.New()
	refSvc := refs.NewService(store, logger)
	if err := defineRefTypes(refSvc); err != nil {
		store.Close()
		return nil, err
	}

	svc := engine.NewService(store, reg, refSvc, logger, cfg.App.Currency)

	err = extensions.RegisterStandard(reg, extensions.Deps{
		Store:     store,
		Checkback: svc,
		Stock:     set.Stock,
		Payment:   set.Payment,
		Pricing:   set.Pricing,
		Notify:    set.Notification,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register extensions: %w", err)
	}

	hm := health.NewHealthManager(logger)
	hm.Register("database", func() error {
		return store.Ping(context.Background())
	})

	return &App{
		Cfg:      cfg,
		Logger:   logger,
		Store:    store,
		Backends: set,
		Registry: reg,
		Refs:     refSvc,
		Engine:   svc,
		Health:   hm,
		Alerts:   buildAlerts(cfg, logger),
		Version:  version,
	}, nil
}

// buildAlerts returns nil when no alert channel is configured. Callers treat
// a nil manager as alerting off.
func buildAlerts(cfg *config.Config, logger core.ILogger) *alert.AlertManager {
	if !cfg.Alerts.Enabled() {
		return nil
	}
	am := alert.NewAlertManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		am.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL.Reveal()))
		logger.Info("Alert channel enabled", "channel", "slack")
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken.Reveal(), cfg.Alerts.TelegramChatID))
		logger.Info("Alert channel enabled", "channel", "telegram")
	}
	return am
}

// Close releases the store. Long-running pieces are owned by Serve and are
// already stopped by the time this runs.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Failed to close store", "error", err)
	}
}

// openStore selects the driver. The sqlite parent directory is created so a
// fresh checkout can run serve without preparing paths.
func openStore(ctx context.Context, cfg *config.Config, logger core.ILogger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Database.URL.Reveal(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		logger.Info("Store opened", "driver", "postgres", "max_conns", cfg.Database.MaxConns)
		return st, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		st, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info("Store opened", "driver", "sqlite", "path", cfg.Database.Path)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func backendConfig(cfg *config.Config) backends.Config {
	conv := func(b config.BackendConfig) backends.Endpoint {
		return backends.Endpoint{
			Kind:    b.Kind,
			BaseURL: b.BaseURL,
			Timeout: time.Duration(b.TimeoutMS) * time.Millisecond,
			APIKey:  b.APIKey.Reveal(),
		}
	}
	return backends.Config{
		Stock:        conv(cfg.Backends.Stock),
		Payment:      conv(cfg.Backends.Payment),
		Pricing:      conv(cfg.Backends.Pricing),
		Notification: conv(cfg.Backends.Notification),
	}
}

// seedMemoryBackends loads the demo price book and stock levels into any
// memory backend. Memory kinds are demo deployments; without prices every
// add_line on an external-pricing channel would fail.
func seedMemoryBackends(set *backends.Set, logger core.ILogger) {
	if set.MemoryPricing != nil {
		seed.PriceBook(set.MemoryPricing)
		logger.Info("Demo price book loaded into memory pricing backend")
	}
	if set.MemoryStock != nil {
		seed.StockLevels(set.MemoryStock)
		logger.Info("Demo stock levels loaded into memory stock backend")
	}
}

// defineRefTypes declares the built-in ref types. A table is exclusive while
// a session is open and frees up at commit; a ticket is a per-channel
// sequence number that follows the order.
func defineRefTypes(svc *refs.Service) error {
	defs := []refs.Definition{
		{
			Slug:                  "table",
			Label:                 "Table",
			Target:                refs.TargetSession,
			ScopeKeys:             []string{"channel_code"},
			UniqueWhileActive:     true,
			ExpiresOnSessionClose: true,
		},
		{
			Slug:        "ticket",
			Label:       "Ticket",
			Target:      refs.TargetBoth,
			ScopeKeys:   []string{"channel_code"},
			CopyToOrder: true,
			Sequence:    &refs.Sequence{Width: 4},
		},
	}
	for _, def := range defs {
		if err := svc.Define(def); err != nil {
			return fmt.Errorf("failed to define ref type %s: %w", def.Slug, err)
		}
	}
	return nil
}
