// Package api exposes the HTTP control surface of the orchestrator:
// campaign submission and cancellation, the websocket event stream,
// and the unauthenticated ping/healthcheck probes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/orchestrator"
	"github.com/sciops/campaignd/pkg/store"
)

// BrokerStatus is the slice of the broker client the healthcheck needs.
type BrokerStatus interface {
	IsConnected() bool
}

// Config carries the server settings the HTTP layer needs.
type Config struct {
	// ListenAddr is the host:port the server binds to.
	ListenAddr string
	// APIKey is the pre-shared key expected in the Authorization header
	// on /v1/orchestrator routes.
	APIKey string
}

// Server wires the echo router to the orchestrator core.
type Server struct {
	echo   *echo.Echo
	srv    *http.Server
	orc    *orchestrator.Orchestrator
	hub    *events.Hub
	broker BrokerStatus
	store  store.EventStore
	apiKey string
}

// NewServer builds the router and registers all routes. The probe
// endpoints (/ping, /healthcheck) are open; everything under
// /v1/orchestrator requires the API key.
func NewServer(cfg Config, orc *orchestrator.Orchestrator, hub *events.Hub, broker BrokerStatus, st store.EventStore) *Server {
	e := echo.New()

	s := &Server{
		echo:   e,
		orc:    orc,
		hub:    hub,
		broker: broker,
		store:  st,
		apiKey: cfg.APIKey,
	}

	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.GET("/ping", s.pingHandler)
	e.GET("/healthcheck", s.healthcheckHandler)

	g := e.Group("/v1/orchestrator")
	g.Use(s.apiKeyAuth())
	g.POST("/start_campaign", s.startCampaignHandler)
	g.POST("/stop_campaign", s.stopCampaignHandler)
	g.GET("/events", s.eventsHandler)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server and blocks until Shutdown is called or the
// listener fails. A clean shutdown returns nil.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on a caller-provided listener; tests use it
// to bind a random port. Blocks like Start.
func (s *Server) StartWithListener(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and drains in-flight
// requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ServeHTTP dispatches through the router, letting tests drive the
// server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
