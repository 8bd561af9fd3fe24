package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Round-trip tests — campaigns submitted over HTTP, dispatched through
// the embedded broker to an in-process responder, observed over the
// events websocket until completion.
// ────────────────────────────────────────────────────────────

const (
	testHierarchy = "org.fac.system.subsystem.service"
	waitTimeout   = 10 * time.Second
)

func TestE2E_SingleStepCampaign(t *testing.T) {
	app := NewTestApp(t)
	app.StartResponder(t, testHierarchy, CompletingResponder())

	ctx := context.Background()
	ws, err := WSConnect(ctx, app.WSURL, TestAPIKey)
	require.NoError(t, err)
	defer ws.Close()

	id := app.StartCampaign(t, SingleStepCampaign("11111111-1111-1111-1111-111111111111", testHierarchy))

	_, err = ws.WaitForEventType(id, events.EventTypeCampaignComplete, waitTimeout)
	require.NoError(t, err)

	// Stream frames arrive in execution order.
	assert.Equal(t, []string{
		events.EventTypeStepStart,
		events.EventTypeStepComplete,
		events.EventTypeCampaignComplete,
	}, ws.EventTypes(id))

	// The stored log carries the full lifecycle.
	assert.Equal(t, []models.EventType{
		models.EventCampaignStarted,
		models.EventStepStart,
		models.EventStepComplete,
		models.EventCampaignCompleted,
	}, app.StoredEventTypes(t, id))

	snap, err := app.Orc.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, snap.State.Status)
	assert.Equal(t, 4, snap.Version)
	assert.Zero(t, app.Orc.LiveCount())

	// A finished campaign is no longer cancellable.
	assert.Equal(t, http.StatusNotFound, app.StopCampaign(t, id))
}

func TestE2E_ChainCampaignRunsGroupsInOrder(t *testing.T) {
	app := NewTestApp(t)
	app.StartResponder(t, testHierarchy, CompletingResponder())

	ctx := context.Background()
	ws, err := WSConnect(ctx, app.WSURL, TestAPIKey)
	require.NoError(t, err)
	defer ws.Close()

	id := app.StartCampaign(t, ChainCampaign("22222222-2222-2222-2222-222222222222", testHierarchy, 3))

	_, err = ws.WaitForEventType(id, events.EventTypeCampaignComplete, waitTimeout)
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.EventTypeStepStart, events.EventTypeStepComplete,
		events.EventTypeStepStart, events.EventTypeStepComplete,
		events.EventTypeStepStart, events.EventTypeStepComplete,
		events.EventTypeCampaignComplete,
	}, ws.EventTypes(id))

	// Dependencies gate dispatch, so the steps start in chain order.
	var started []string
	for _, evt := range ws.Events() {
		if evt.CampaignID != id || evt.EventType() != events.EventTypeStepStart {
			continue
		}
		if s, ok := evt.Event["step_id"].(string); ok {
			started = append(started, s)
		}
	}
	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, started)

	stored := app.StoredEventTypes(t, id)
	require.Len(t, stored, 8)
	assert.Equal(t, models.EventCampaignStarted, stored[0])
	assert.Equal(t, models.EventCampaignCompleted, stored[7])
	assert.Zero(t, app.Orc.LiveCount())
}

func TestE2E_Healthcheck(t *testing.T) {
	app := NewTestApp(t)
	assert.Empty(t, app.Healthcheck(t))
}
