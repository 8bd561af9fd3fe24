package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
)

// ────────────────────────────────────────────────────────────
// Submission rejection — invalid documents and bad credentials never
// reach the engine.
// ────────────────────────────────────────────────────────────

func cyclicTask(id string) models.Task {
	return models.Task{
		ID:          id,
		Hierarchy:   testHierarchy,
		Capability:  "measure",
		OperationID: "run",
	}
}

func TestE2E_CyclicDependenciesRejected(t *testing.T) {
	app := NewTestApp(t)

	c := models.Campaign{
		ID:   "66666666-6666-6666-6666-666666666666",
		Name: "cyclic",
		User: "e2e",
		TaskGroups: []models.TaskGroup{
			{ID: "a", GroupDependencies: []string{"c"}, Tasks: []models.Task{cyclicTask("t-a")}},
			{ID: "b", GroupDependencies: []string{"a"}, Tasks: []models.Task{cyclicTask("t-b")}},
			{ID: "c", GroupDependencies: []string{"b"}, Tasks: []models.Task{cyclicTask("t-c")}},
		},
	}

	problems := app.StartCampaignExpectingProblems(t, c)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "circular dependency")

	// Nothing was persisted for the rejected campaign.
	_, err := app.Store.LoadSnapshot(context.Background(), c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, app.Orc.LiveCount())
}

func TestE2E_BadInputSchemaRejected(t *testing.T) {
	app := NewTestApp(t)

	c := SingleStepCampaign("77777777-7777-7777-7777-777777777777", testHierarchy)
	c.TaskGroups[0].Tasks[0].Input = &models.Input{
		Schema: map[string]any{"type": 123},
		Values: []models.Value{{ID: "v1", Var: "seed"}},
	}

	problems := app.StartCampaignExpectingProblems(t, c)
	require.NotEmpty(t, problems)
	assert.Contains(t, problems[0], "task task-1 input schema")

	_, err := app.Store.LoadSnapshot(context.Background(), c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestE2E_AuthRequired(t *testing.T) {
	app := NewTestApp(t)
	body := marshal(t, SingleStepCampaign("88888888-8888-8888-8888-888888888888", testHierarchy))

	resp, _ := app.post(t, "/v1/orchestrator/start_campaign", body, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = app.post(t, "/v1/orchestrator/start_campaign", body, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The rejected submissions never registered anything.
	assert.Zero(t, app.Orc.LiveCount())
}
