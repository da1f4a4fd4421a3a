// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mqttlab/config"
	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/events/webhook"
	"github.com/absmach/mqttlab/ratelimit"
	"github.com/absmach/mqttlab/server/api"
	"github.com/absmach/mqttlab/server/health"
	"github.com/absmach/mqttlab/server/otel"
	"github.com/absmach/mqttlab/server/websocket"
	"github.com/absmach/mqttlab/storage"
	"github.com/absmach/mqttlab/storage/badger"
	"github.com/absmach/mqttlab/storage/file"
	"github.com/absmach/mqttlab/storage/memory"
	"github.com/absmach/mqttlab/supervisor"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	port := flag.String("port", "", "Broker port, overrides the configuration")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		p, err := config.ParsePort(*port)
		if err != nil {
			slog.Error("Invalid port flag", "error", err)
			os.Exit(1)
		}
		cfg.Broker.Port = p
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

	instanceID := uuid.NewString()
	slog.Info("Starting mqttlab", "version", cfg.Server.OtelServiceVersion, "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"broker_port", cfg.Broker.Port,
		"storage_type", cfg.Storage.Type,
		"api_enabled", cfg.Server.APIEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var sinks []events.Sink
	sinks = append(sinks, events.NewLogSink(logger))

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), otel.ConfigFrom(cfg.Server, instanceID))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			sinks = append(sinks, m)
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var hub *websocket.Hub
	if cfg.Server.WSEnabled {
		hub = websocket.NewHub(logger)
		sinks = append(sinks, hub)
	}

	var notifier *webhook.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.New(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = n
		sinks = append(sinks, n)
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	dispatcher := events.NewDispatcher(cfg.Events.QueueSize, logger, sinks...)

	onError := func(err error) {
		dispatcher.Notify(events.Failed(events.TypePersistenceFailure, events.Broker, err))
	}
	store, err := openStore(cfg.Storage, onError)
	if err != nil {
		slog.Error("Failed to initialize retained storage", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.RateLimit)
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	sup, err := supervisor.New(supervisor.Config{
		Broker:  cfg.Broker,
		Clients: cfg.Clients,
		Store:   store,
		Limiter: limiter,
		Sink:    dispatcher,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create supervisor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if cfg.Server.APIEnabled {
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sup, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sup, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if hub != nil {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, hub, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting event stream", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	autostart(ctx, cfg, sup)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	dispatcher.Close()
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhooks", "error", err)
		}
	}
	limiter.Stop()
	if err := store.Close(); err != nil {
		slog.Error("Failed to close retained storage", "error", err)
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

	slog.Info("mqttlab stopped")
}

func openStore(cfg config.StorageConfig, onError storage.ErrorHandler) (storage.RetainedStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory retained storage")
		return memory.New(), nil
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir, OnError: onError})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB retained storage", "dir", cfg.BadgerDir)
		return s, nil
	case "file":
		s, err := file.New(file.Config{Path: cfg.Path, Compression: cfg.Compression, OnError: onError})
		if err != nil {
			return nil, err
		}
		slog.Info("Using file retained storage", "path", s.Path(), "compression", cfg.Compression)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// autostart brings up the components enabled in the configuration. Failures
// are reported as events and leave the component stopped.
func autostart(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor) {
	if cfg.Broker.Autostart {
		if err := sup.StartBroker(ctx); err != nil {
			slog.Error("Broker autostart failed", "error", err)
		}
	}
	if cfg.Clients.Autostart {
		if err := sup.StartSubscriber(ctx); err != nil {
			slog.Error("Subscriber autostart failed", "error", err)
		}
		if err := sup.StartPublisher(ctx); err != nil {
			slog.Error("Publisher autostart failed", "error", err)
		}
	}
}
