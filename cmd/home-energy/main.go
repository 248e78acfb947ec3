package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"home-energy/internal/aggregate"
	"home-energy/internal/energy"
	"home-energy/internal/events"
	"home-energy/internal/metrics"
	"home-energy/internal/store"
	"home-energy/internal/topology"
	"home-energy/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("home-energy starting", "version", version)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path,
		store.WithLogger(logger),
		store.WithSnapshotRetention(cfg.History.Retention),
	)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.SeedFile != "" {
		seed, err := topology.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			logger.Error("load seed", "path", cfg.SeedFile, "err", err)
			os.Exit(1)
		}
		if err := seed.Apply(db, logger); err != nil {
			logger.Error("apply seed", "err", err)
			os.Exit(1)
		}
	}

	// Energy model with Lua estimators for kinds without a built-in rule
	// (empty when built with the no_scripts tag).
	scripts, err := energy.LoadScripts(cfg.ScriptsDir, cfg.scriptTimeout, logger)
	if err != nil {
		logger.Error("load energy scripts", "dir", cfg.ScriptsDir, "err", err)
		os.Exit(1)
	}
	defer scripts.Close()
	model := energy.NewModel(cfg.Energy.Rates, energy.WithFallback(scripts))
	logger.Info("energy model ready", "scripted_types", len(scripts.Kinds()))

	bus := events.NewBus(logger)

	engineOpts := []aggregate.Option{
		aggregate.WithLogger(logger),
		aggregate.WithEvents(bus),
		aggregate.WithMetrics(m),
		aggregate.WithPeriods(aggregate.Calendar{Location: cfg.location}),
		aggregate.WithTimeout(cfg.computeTimeout),
		aggregate.WithFanOut(cfg.Energy.FanOut),
	}
	if cfg.History.Enabled {
		engineOpts = append(engineOpts, aggregate.WithHistory(db))
	}
	engine := aggregate.NewEngine(db, model, engineOpts...)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithStore(db),
		web.WithModel(model, scripts),
		web.WithEvents(bus),
		web.WithMetrics(m, registry),
		web.WithPollInterval(cfg.pollInterval),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.History.Enabled {
		webOpts = append(webOpts, web.WithHistory(db))
	}

	webServer := web.NewServer(engine, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(db, engine, bus, m, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}
