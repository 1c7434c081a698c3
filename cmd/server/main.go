package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koios/hass-renderer/internal/browser"
	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/convert"
	"github.com/koios/hass-renderer/internal/handlers"
	"github.com/koios/hass-renderer/internal/mqtt"
	"github.com/koios/hass-renderer/internal/redis"
	"github.com/koios/hass-renderer/internal/render"
	"github.com/koios/hass-renderer/internal/scheduler"
	"github.com/koios/hass-renderer/internal/telemetry"
	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, cfgErr := config.Load()

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfgErr != nil {
		logger.Fatal("Failed to load configuration", zap.Error(cfgErr))
	}

	registry, err := models.NewPageRegistry(cfg.Pages)
	if err != nil {
		logger.Fatal("Invalid page configuration", zap.Error(err))
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry is optional; a broken sink only disables publishing
	sink, sinkHealth := newSink(cfg, logger)
	var publisher *telemetry.Publisher
	if sink != nil {
		publisher = telemetry.NewPublisher(sink, cfg.Telemetry, logger)
		defer publisher.Close()
	}
	store := telemetry.NewStore(publisher, logger)

	converter, err := convert.New(cfg.Render.Converter, logger)
	if err != nil {
		logger.Fatal("Failed to create image converter", zap.Error(err))
	}

	session, err := browser.NewSession(cfg.Browser, logger)
	if err != nil {
		logger.Fatal("Failed to start browser", zap.Error(err))
	}
	defer session.Close()

	if err := session.Login(ctx); err != nil {
		logger.Fatal("Failed to log in to Home Assistant", zap.Error(err))
	}

	cache := render.NewCache()
	pipeline := render.NewPipeline(cfg.Browser, session, converter, cache, logger)
	controller := render.NewController(pipeline, cache, cfg.Render.RealTime, logger)

	sched, err := scheduler.New(cfg.Render.CronJob, registry, controller, logger)
	if err != nil {
		logger.Fatal("Invalid schedule", zap.Error(err))
	}

	switch {
	case cfg.Browser.Debug:
		// Debug renders once and leaves the tabs open for inspection
		go sched.Sweep(ctx)
	case cfg.Render.RealTime:
		logger.Info("Real-time mode, pages render on request")
	default:
		go sched.Sweep(ctx)
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", zap.Error(err))
		}
	}

	// Create HTTP server for the e-readers
	mux := http.NewServeMux()
	pageHandler := handlers.NewPageHandler(registry, controller, store, sinkHealth, logger)
	pageHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handlers.Middleware(logger, mux),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("pages", registry.Len()),
		zap.Bool("real_time", cfg.Render.RealTime),
		zap.String("converter", cfg.Render.Converter),
		zap.String("telemetry_sink", cfg.Telemetry.Sink))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Give outstanding requests a deadline for completion
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop scheduling and interrupt a running sweep between pages
	cancel()
	sched.Stop()

	logger.Info("Server shutdown complete")
}

// newLogger builds a production logger at LOG_LEVEL, or a development logger
// in debug mode. cfg is nil when configuration failed to load.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg == nil {
		return zap.NewProduction()
	}
	if cfg.Browser.Debug {
		return zap.NewDevelopment()
	}

	zapCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

// newSink connects the configured telemetry sink. Both results are nil when
// telemetry publishing is disabled or the sink could not be reached.
func newSink(cfg *config.Config, logger *zap.Logger) (telemetry.Sink, handlers.HealthChecker) {
	switch cfg.Telemetry.Sink {
	case "mqtt":
		client, err := mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			logger.Error("Telemetry publishing disabled", zap.Error(err))
			return nil, nil
		}
		return client, client
	case "redis":
		client, err := redis.NewClient(cfg.Redis, logger)
		if err != nil {
			logger.Error("Telemetry publishing disabled", zap.Error(err))
			return nil, nil
		}
		return client, client
	case "none":
		return nil, nil
	default:
		logger.Warn("Unknown telemetry sink, publishing disabled", zap.String("sink", cfg.Telemetry.Sink))
		return nil, nil
	}
}
