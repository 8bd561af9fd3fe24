package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// StartCampaign posts the campaign and asserts acceptance, returning
// the canonical campaign id.
func (app *TestApp) StartCampaign(t *testing.T, c models.Campaign) string {
	t.Helper()
	resp, body := app.post(t, "/v1/orchestrator/start_campaign", marshal(t, c), TestAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode, "start_campaign: %s", body)

	var parsed struct {
		CampaignID string `json:"campaign_id"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.NotEmpty(t, parsed.CampaignID)
	return parsed.CampaignID
}

// StartCampaignExpectingProblems posts the campaign, asserts rejection,
// and returns the problem list.
func (app *TestApp) StartCampaignExpectingProblems(t *testing.T, c models.Campaign) []string {
	t.Helper()
	resp, body := app.post(t, "/v1/orchestrator/start_campaign", marshal(t, c), TestAPIKey)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "start_campaign: %s", body)

	var problems []string
	require.NoError(t, json.Unmarshal(body, &problems))
	return problems
}

// StopCampaign posts the uuid to stop_campaign and returns the response
// status code.
func (app *TestApp) StopCampaign(t *testing.T, id string) int {
	t.Helper()
	resp, _ := app.post(t, "/v1/orchestrator/stop_campaign", marshal(t, id), TestAPIKey)
	return resp.StatusCode
}

// Healthcheck fetches /healthcheck and returns the problem list.
func (app *TestApp) Healthcheck(t *testing.T) []string {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var problems []string
	require.NoError(t, json.Unmarshal(body, &problems))
	return problems
}

func (app *TestApp) post(t *testing.T, path string, body []byte, apiKey string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

// ────────────────────────────────────────────────────────────
// Campaign builders
// ────────────────────────────────────────────────────────────

// SingleStepCampaign builds a one-group one-task campaign addressed to
// hierarchy.
func SingleStepCampaign(id, hierarchy string) models.Campaign {
	return models.Campaign{
		ID:   id,
		Name: "single step",
		User: "e2e",
		TaskGroups: []models.TaskGroup{{
			ID: "tg-1",
			Tasks: []models.Task{{
				ID:          "task-1",
				Hierarchy:   hierarchy,
				Capability:  "measure",
				OperationID: "run",
			}},
		}},
	}
}

// ChainCampaign builds a linear n-group campaign, each group one task
// on hierarchy, each group depending on the previous one.
func ChainCampaign(id, hierarchy string, n int) models.Campaign {
	c := models.Campaign{ID: id, Name: "chain", User: "e2e"}
	for i := 1; i <= n; i++ {
		g := models.TaskGroup{
			ID: groupID(i),
			Tasks: []models.Task{{
				ID:          taskID(i),
				Hierarchy:   hierarchy,
				Capability:  "measure",
				OperationID: "run",
			}},
		}
		if i > 1 {
			g.GroupDependencies = []string{groupID(i - 1)}
		}
		c.TaskGroups = append(c.TaskGroups, g)
	}
	return c
}

func groupID(i int) string { return fmt.Sprintf("tg-%d", i) }
func taskID(i int) string  { return fmt.Sprintf("task-%d", i) }
