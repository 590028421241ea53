// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/YZ-social/Yz.social/broker"
	"github.com/YZ-social/Yz.social/broker/webhook"
	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/ratelimit"
	"github.com/YZ-social/Yz.social/server/health"
	"github.com/YZ-social/Yz.social/server/otel"
	"github.com/YZ-social/Yz.social/server/websocket"
	"github.com/YZ-social/Yz.social/storage"
	"github.com/YZ-social/Yz.social/storage/badger"
	"github.com/YZ-social/Yz.social/storage/memory"
	"github.com/benbjohnson/clock"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting alert relay", "version", cfg.Server.OtelServiceVersion)
	slog.Info("Configuration loaded",
		"ws_listener", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"health_enabled", cfg.Server.HealthEnabled,
		"node_id", cfg.Broker.NodeID,
		"subscription_ttl", cfg.Broker.SubscriptionTTL,
		"retention", cfg.Broker.Retention,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	clk := clock.New()
	retainedOpts := storage.RetainedOptions{
		Retention:  cfg.Broker.Retention,
		MaxEntries: cfg.Broker.MaxRetainedMessages,
		Clock:      clk,
	}

	var store storage.RetainedStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.NewRetainedStore(retainedOpts)
		slog.Info("Using in-memory retained store")
	case "badger":
		badgerStore, err := badger.New(retainedOpts)
		if err != nil {
			slog.Error("Failed to initialize BadgerDB retained store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using in-memory BadgerDB retained store")
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	var webhooks webhook.Notifier
	if cfg.Webhook.Enabled {
		sender := webhook.NewHTTPSender()

		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.NodeID, sender, clk, logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		defer wh.Close()
		slog.Info("Webhooks enabled",
			"type", "http",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var otelShutdown func(context.Context) error
	var metrics broker.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"insecure", cfg.Server.OtelInsecure,
			"export_interval", cfg.Server.OtelExportInterval)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer(cfg.Server.OtelServiceName)
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	opts := broker.OptionsFromConfig(cfg.Broker)
	opts.Clock = clk
	stats := broker.NewStats()
	b := broker.NewBroker(store, opts, logger, stats, webhooks, metrics, tracer)

	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(ratelimit.Config{
			Enabled: true,
			Connection: ratelimit.ConnectionConfig{
				Enabled:         cfg.RateLimit.Connection.Enabled,
				Rate:            cfg.RateLimit.Connection.Rate,
				Burst:           cfg.RateLimit.Connection.Burst,
				CleanupInterval: cfg.RateLimit.Connection.CleanupInterval,
			},
			Publish: ratelimit.RateConfig{
				Enabled: cfg.RateLimit.Publish.Enabled,
				Rate:    cfg.RateLimit.Publish.Rate,
				Burst:   cfg.RateLimit.Publish.Burst,
			},
			Subscribe: ratelimit.RateConfig{
				Enabled: cfg.RateLimit.Subscribe.Enabled,
				Rate:    cfg.RateLimit.Subscribe.Rate,
				Burst:   cfg.RateLimit.Subscribe.Burst,
			},
		})
		defer rateLimitManager.Stop()
		b.SetRateLimiter(rateLimitManager)

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wsCfg := websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Broker.WriteTimeout,
		ReadTimeout:     3 * opts.HeartbeatInterval,
		ReadLimit:       int64(4 * cfg.Broker.MaxMessageSize),
	}
	var limiter websocket.ConnectionLimiter
	if rateLimitManager != nil {
		limiter = rateLimitManager
	}
	wsServer := websocket.New(wsCfg, b, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			NodeID:          cfg.Broker.NodeID,
		}
		healthServer := health.New(healthCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Alert relay started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop accepting connections before the broker drops the open ones.
	cancel()
	wg.Wait()

	if err := b.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Alert relay stopped")
}
