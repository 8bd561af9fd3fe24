// Randomsvc is a demonstration capability service: it subscribes on its
// service hierarchy subject, generates seeded random numbers for each
// dispatched step, and replies on the requester's response topic. It
// exists so a full campaign round trip can run without real beamline
// hardware.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sciops/campaignd/pkg/broker/natsbroker"
	"github.com/sciops/campaignd/pkg/version"
)

const defaultHierarchy = "random-organization.random-facility.random-system.random-subsystem.random-service"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	brokerURL := getEnv("BROKER_URL", "nats://127.0.0.1:4222")
	hierarchy := strings.ReplaceAll(getEnv("SERVICE_HIERARCHY", defaultHierarchy), "/", ".")

	slog.Info("Starting random number service",
		"hierarchy", hierarchy, "broker_url", brokerURL)

	ctx := context.Background()

	// 1. Connect to the broker
	brk, err := natsbroker.Connect(ctx, natsbroker.Config{
		URL:      brokerURL,
		Username: os.Getenv("BROKER_USERNAME"),
		Password: os.Getenv("BROKER_PASSWORD"),
		Name:     "randomsvc",
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "url", brokerURL, "error", err)
		os.Exit(1)
	}
	defer brk.Close()

	// 2. Subscribe on the service's own response subject, where the
	// orchestrator dispatches steps addressed to this hierarchy
	svc := newCapability(brk, hierarchy)
	subject := hierarchy + ".response"
	if err := brk.Subscribe(subject, svc); err != nil {
		slog.Error("Failed to subscribe", "subject", subject, "error", err)
		os.Exit(1)
	}
	slog.Info("Listening for steps", "subject", subject, "sdk_version", version.SDKVersion)

	// 3. Periodic status, standing in for the capability status loop
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()
	go func() {
		for range statusTicker.C {
			slog.Info("Capability status", "numbers_generated", svc.count())
		}
	}()

	// 4. Run until signalled
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)
}
