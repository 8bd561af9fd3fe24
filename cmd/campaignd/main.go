// Campaignd orchestrator server — accepts scientific campaigns over
// HTTP, dispatches their steps to capability services through the
// message broker, and streams execution events to WebSocket clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sciops/campaignd/pkg/api"
	"github.com/sciops/campaignd/pkg/broker/natsbroker"
	"github.com/sciops/campaignd/pkg/config"
	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/orchestrator"
	"github.com/sciops/campaignd/pkg/state"
	"github.com/sciops/campaignd/pkg/store"
	_ "github.com/sciops/campaignd/pkg/store/memstore"
	_ "github.com/sciops/campaignd/pkg/store/mongostore"
	_ "github.com/sciops/campaignd/pkg/store/pgstore"
	"github.com/sciops/campaignd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	// Load .env file; a missing file is fine, real deployments set the
	// environment directly.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Load and validate settings
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	cfg.SetupLogging()

	slog.Info("Starting campaignd",
		"version", version.SDKVersion,
		"system_name", cfg.SystemName,
		"listen_addr", cfg.ListenAddr(),
		"store_backend", cfg.StoreBackend)

	ctx := context.Background()

	// 2. Open the campaign store
	st, err := store.Open(ctx, cfg.StoreBackend, store.BackendConfig{
		MongoURI:    cfg.MongoURI,
		MongoDB:     cfg.MongoDB,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		slog.Error("Failed to open campaign store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			slog.Error("Error closing campaign store", "error", err)
		}
	}()
	slog.Info("Campaign store ready", "backend", cfg.StoreBackend)

	// 3. Connect to the broker; no broker means no campaign can run, so
	// a failed dial is fatal.
	brk, err := natsbroker.Connect(ctx, natsbroker.Config{
		URL:            cfg.BrokerURL,
		Username:       cfg.BrokerUsername,
		Password:       cfg.BrokerPassword,
		Name:           version.AppName,
		StreamName:     cfg.BrokerStreamName,
		StreamSubjects: cfg.BrokerStreamSubjects,
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "url", cfg.BrokerURL, "error", err)
		os.Exit(1)
	}
	defer brk.Close()
	slog.Info("Connected to broker", "url", cfg.BrokerURL)

	// 4. Build the event fanout hub and the orchestrator core
	hub := events.NewHub(events.DefaultSubscriberBuffer)
	reducer := state.NewReducer(st)
	orc := orchestrator.New(st, reducer, hub, brk, cfg.SystemName)

	// 5. Feed inbound service callbacks to the orchestrator
	if err := brk.Subscribe(cfg.BrokerSubscribeSubject, orc); err != nil {
		slog.Error("Failed to subscribe for service callbacks",
			"subject", cfg.BrokerSubscribeSubject, "error", err)
		os.Exit(1)
	}
	slog.Info("Subscribed for service callbacks", "subject", cfg.BrokerSubscribeSubject)

	// 6. Create the HTTP server
	httpServer := api.NewServer(api.Config{
		ListenAddr: cfg.ListenAddr(),
		APIKey:     cfg.APIKey,
	}, orc, hub, brk, st)

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr())
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Campaignd started successfully", "system_name", cfg.SystemName)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: the hub sentinel closes every event stream,
	// then the HTTP server drains, then the deferred broker and store
	// teardown runs.
	hub.Shutdown()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
