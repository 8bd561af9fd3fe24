// Package e2e boots a complete campaignd instance — embedded NATS
// broker, in-memory campaign store, real HTTP server — and runs
// campaign scenarios over the wire.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/api"
	"github.com/sciops/campaignd/pkg/broker/natsbroker"
	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/orchestrator"
	"github.com/sciops/campaignd/pkg/state"
	"github.com/sciops/campaignd/pkg/store"
	"github.com/sciops/campaignd/pkg/store/memstore"
	"github.com/sciops/campaignd/pkg/version"
)

const (
	// TestAPIKey is the pre-shared key every TestApp server expects.
	TestAPIKey = "e2e-0123456789abcdef0123456789ab"

	testSystemName = "campaign-orchestrator-system"
)

// TestApp is a full campaignd instance for one test.
type TestApp struct {
	Store  store.EventStore
	Hub    *events.Hub
	Broker *natsbroker.Broker
	Orc    *orchestrator.Orchestrator
	Server *api.Server

	NATSURL string
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/v1/orchestrator/events"

	systemName string
	t          *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	systemName string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithSystemName overrides the orchestrator system name (and with it
// the callback subject and the source header on dispatched steps).
func WithSystemName(name string) TestAppOption {
	return func(c *testAppConfig) { c.systemName = name }
}

// startNATS runs an embedded NATS server with JetStream on a random
// port for the duration of the test.
func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server failed to start")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// NewTestApp creates and starts a full campaignd test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{systemName: testSystemName}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()

	// 1. Embedded broker.
	ns := startNATS(t)
	natsURL := ns.ClientURL()

	brk, err := natsbroker.Connect(ctx, natsbroker.Config{
		URL:  natsURL,
		Name: "campaignd-e2e",
	})
	require.NoError(t, err)

	// 2. Store, hub, core.
	st := memstore.New()
	hub := events.NewHub(events.DefaultSubscriberBuffer)
	orc := orchestrator.New(st, state.NewReducer(st), hub, brk, tc.systemName)

	// 3. Callback subscription, same subject the server derives by default.
	require.NoError(t, brk.Subscribe(tc.systemName+".response", orc))

	// 4. HTTP server on a random port.
	srv := api.NewServer(api.Config{
		ListenAddr: "127.0.0.1:0",
		APIKey:     TestAPIKey,
	}, orc, hub, brk, st)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = srv.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Store:      st,
		Hub:        hub,
		Broker:     brk,
		Orc:        orc,
		Server:     srv,
		NATSURL:    natsURL,
		BaseURL:    fmt.Sprintf("http://%s", addr),
		WSURL:      fmt.Sprintf("ws://%s/v1/orchestrator/events", addr),
		systemName: tc.systemName,
		t:          t,
	}

	// Cleanup in reverse-creation order; the NATS server shuts down via
	// its own t.Cleanup after these.
	t.Cleanup(func() {
		app.Hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		brk.Close()
		_ = st.Close(context.Background())
	})

	return app
}

// ResponderFunc scripts one capability service reply. It receives the
// dispatched step's headers and body and returns the callback body plus
// the has_error header value.
type ResponderFunc func(headers map[string]string, body []byte) (reply []byte, hasError string)

// responder is an in-process capability service wired to the embedded
// broker. It listens where the orchestrator dispatches steps for its
// hierarchy and replies on the requester's response topic.
type responder struct {
	t         *testing.T
	pub       *natsbroker.Broker
	hierarchy string
	fn        ResponderFunc
}

func (r *responder) HandleBrokerMessage(body []byte, contentType string, headers map[string]string) {
	source := headers["source"]
	if source == "" {
		return
	}

	reply, hasError := r.fn(headers, body)
	replyHeaders := map[string]string{
		"source":      r.hierarchy,
		"sdk_version": version.SDKVersion,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
		"has_error":   hasError,
	}
	if id := headers["campaignId"]; id != "" {
		replyHeaders["campaignId"] = id
	}
	if node := headers["nodeId"]; node != "" {
		replyHeaders["nodeId"] = node
	}

	topic := strings.ReplaceAll(source, ".", "/") + "/response"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, topic, reply, "application/json", replyHeaders, false); err != nil {
		r.t.Errorf("responder publish failed: %v", err)
	}
}

// StartResponder runs a scripted capability service for hierarchy on its
// own broker connection. Every dispatched step is answered through fn.
func (app *TestApp) StartResponder(t *testing.T, hierarchy string, fn ResponderFunc) {
	t.Helper()

	brk, err := natsbroker.Connect(context.Background(), natsbroker.Config{
		URL:  app.NATSURL,
		Name: "responder-" + hierarchy,
	})
	require.NoError(t, err)
	t.Cleanup(brk.Close)

	r := &responder{t: t, pub: brk, hierarchy: hierarchy, fn: fn}
	require.NoError(t, brk.Subscribe(hierarchy+".response", r))
}

// CompletingResponder replies to every step with an empty document and
// has_error false, completing each step it receives.
func CompletingResponder() ResponderFunc {
	return func(map[string]string, []byte) ([]byte, string) {
		return []byte(`{}`), "false"
	}
}

// FailingResponder replies to every step with has_error true and the
// given error document.
func FailingResponder(doc string) ResponderFunc {
	return func(map[string]string, []byte) ([]byte, string) {
		return []byte(doc), "true"
	}
}

// DeliverCallback injects a raw callback onto the orchestrator's
// subscribe subject, bypassing any responder.
func (app *TestApp) DeliverCallback(t *testing.T, headers map[string]string, body []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	topic := strings.ReplaceAll(app.systemName, ".", "/") + "/response"
	require.NoError(t, app.Broker.Publish(ctx, topic, body, "application/json", headers, false))
}

// StoredEventTypes loads the campaign's durable log and returns the
// event types in seq order.
func (app *TestApp) StoredEventTypes(t *testing.T, campaignID string) []models.EventType {
	t.Helper()
	evs, err := app.Store.LoadEvents(context.Background(), campaignID, 0)
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.EventType)
	}
	return types
}

// marshal encodes v for request bodies.
func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
