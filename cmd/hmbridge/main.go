package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"homematic-go-bridge/internal/adapter"
	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/store"
	"homematic-go-bridge/internal/web"
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

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("hmbridge starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("hmbridge", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.CaptureLimit)
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := cfg.session()
	if err != nil {
		return err
	}
	link, err := adapter.Open(cfg.Adapter, session, logger)
	if err != nil {
		return err
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(link, db, events, coordinator.Config{Speed: cfg.Radio.Speed}, logger)
	defer coord.Close()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}

	// Automation and MQTT are no-ops when built with no_automation / no_mqtt.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)
	defer auto.Stop()
	mqtt := initMQTT(coord, cfg, logger)
	defer mqtt.Stop()

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithStore(db),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
