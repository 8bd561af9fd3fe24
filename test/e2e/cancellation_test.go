package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Cancellation — stopping a running campaign, double stop, stop of an
// unknown id.
// ────────────────────────────────────────────────────────────

func TestE2E_CancelRunningCampaign(t *testing.T) {
	// No responder is running, so the dispatched step stays in flight
	// until the stop request arrives.
	app := NewTestApp(t)

	ctx := context.Background()
	ws, err := WSConnect(ctx, app.WSURL, TestAPIKey)
	require.NoError(t, err)
	defer ws.Close()

	id := app.StartCampaign(t, SingleStepCampaign("55555555-5555-5555-5555-555555555555", testHierarchy))
	_, err = ws.WaitForEventType(id, events.EventTypeStepStart, waitTimeout)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, app.StopCampaign(t, id))

	evt, err := ws.WaitForEventType(id, events.EventTypeUnknownError, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, "Campaign cancelled by user", evt.Event["exception_message"])

	assert.Equal(t, []models.EventType{
		models.EventCampaignStarted,
		models.EventStepStart,
		models.EventCampaignCancelled,
	}, app.StoredEventTypes(t, id))

	snap, err := app.Orc.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, snap.State.Status)
	assert.Zero(t, app.Orc.LiveCount())

	// A second stop reports the campaign as gone.
	assert.Equal(t, http.StatusNotFound, app.StopCampaign(t, id))
}

func TestE2E_CancelUnknownCampaign(t *testing.T) {
	app := NewTestApp(t)
	assert.Equal(t, http.StatusNotFound, app.StopCampaign(t, uuid.NewString()))
}
