package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/toolmux/internal/buildinfo"
	"github.com/nugget/toolmux/internal/catalog"
	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/dispatch"
	"github.com/nugget/toolmux/internal/mcp"
	"github.com/nugget/toolmux/internal/mqtt"
	"github.com/nugget/toolmux/internal/registry"
	"github.com/nugget/toolmux/internal/usage"
)

// app is the wired orchestrator: one registry, the catalog over its
// shared sessions, and the dispatcher in front of both.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	catalog  *catalog.Catalog
	dispatch *dispatch.Dispatcher
	usage    *usage.Store // nil without a data_dir
}

// newApp wires the components and opens the shared sessions. Servers
// that fail to connect are logged and keep retrying in the background.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) *app {
	a := &app{cfg: cfg, logger: logger}

	a.registry = registry.New(registry.Options{
		Sessions: cfg.Sessions,
		Logger:   logger,
		OnStateChange: func(s *mcp.Session, from, to mcp.State) {
			// A shared server that comes (back) up may offer a
			// different tool list.
			if to == mcp.StateConnected && s.TenantID() == "" && a.catalog != nil {
				a.catalog.Invalidate()
			}
		},
		OnToolsChanged: func(*mcp.Session) {
			if a.catalog != nil {
				a.catalog.Invalidate()
			}
		},
	})
	a.catalog = catalog.New(a.registry, catalog.Options{TTL: cfg.Catalog.TTL(), Logger: logger})

	servers := make(map[string]config.ServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers[s.Name] = s
	}
	opts := dispatch.Options{Servers: servers, Logger: logger}
	if cfg.DataDir != "" {
		store, err := openUsage(cfg.DataDir)
		if err != nil {
			logger.Warn("call log disabled", "error", err)
		} else {
			a.usage = store
			opts.Recorder = store
		}
	}
	a.dispatch = dispatch.New(a.registry, a.catalog, opts)

	if err := a.registry.StartShared(ctx, cfg.SharedServers()); err != nil {
		logger.Warn("some shared servers are unavailable", "error", err)
	}
	return a
}

func (a *app) close() {
	a.registry.Shutdown()
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("failed to close call log", "error", err)
		}
	}
}

// openUsage opens the call log in dataDir, creating the directory if
// needed.
func openUsage(dataDir string) (*usage.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return usage.NewStore(filepath.Join(dataDir, "usage.db"))
}

// runServe keeps the shared sessions open, sweeps idle tenant
// sessions, keeps the catalog fresh, and publishes session health to
// MQTT when configured. It returns after SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting toolmux", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// Validated by Load.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "servers", len(cfg.Servers))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(ctx, cfg, logger)
	defer a.close()

	if err := a.catalog.Refresh(ctx); err != nil {
		logger.Warn("initial capability discovery incomplete", "error", err)
	}
	logger.Info("capabilities discovered", "count", len(a.catalog.Entries()))

	go a.registry.RunSweeper(ctx, cfg.Sessions.SweepInterval(), cfg.Sessions.IdleTimeout())
	go a.keepCatalogFresh(ctx, cfg.Catalog.TTL())

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.registry, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if pub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := pub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("toolmux stopped")
	return nil
}

// keepCatalogFresh refreshes the catalog whenever it goes stale,
// checking at a fraction of the TTL.
func (a *app) keepCatalogFresh(ctx context.Context, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.catalog.Stale() {
				continue
			}
			if err := a.catalog.Refresh(ctx); err != nil {
				a.logger.Warn("capability refresh incomplete", "error", err)
			}
		}
	}
}
