package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/models"
)

// submitSingleStep registers the single-step campaign and returns its id.
func submitSingleStep(t *testing.T, r *rig) string {
	t.Helper()
	id, err := r.orc.Submit(context.Background(), singleStepCampaign())
	require.NoError(t, err)
	return id
}

func TestCallbackDropMatrix(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		headers func(id string) map[string]string
	}{
		{
			name: "no campaign reference",
			body: `{}`,
			headers: func(string) map[string]string {
				return map[string]string{"nodeId": "t1", "has_error": "false"}
			},
		},
		{
			name: "unknown campaign",
			body: `{}`,
			headers: func(string) map[string]string {
				return map[string]string{
					"campaignId": "88888888-8888-8888-8888-888888888888",
					"nodeId":     "t1",
					"has_error":  "false",
				}
			},
		},
		{
			name: "missing node reference",
			body: `{}`,
			headers: func(id string) map[string]string {
				return map[string]string{"campaignId": id, "has_error": "false"}
			},
		},
		{
			name: "node does not match active step",
			body: `{}`,
			headers: func(id string) map[string]string {
				return map[string]string{"campaignId": id, "nodeId": "t-other", "has_error": "false"}
			},
		},
		{
			name: "attributed but no completion signal",
			body: `{}`,
			headers: func(id string) map[string]string {
				return map[string]string{"campaignId": id, "nodeId": "t1"}
			},
		},
		{
			name: "has_error header is not a boolean",
			body: `{}`,
			headers: func(id string) map[string]string {
				return map[string]string{"campaignId": id, "nodeId": "t1", "has_error": "maybe"}
			},
		},
		{
			name: "embedded has_error is a string, not a bool",
			body: `{"header": {"has_error": "false"}}`,
			headers: func(id string) map[string]string {
				return map[string]string{"campaignId": id, "nodeId": "t1"}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			id := submitSingleStep(t, r)
			before := storedTypes(t, r, id)

			r.orc.HandleBrokerMessage([]byte(tc.body), "application/json", tc.headers(id))

			active, live := r.orc.ActiveStep(id)
			assert.True(t, live, "campaign must stay live")
			assert.Equal(t, "t1", active, "step must stay active")
			assert.Equal(t, before, storedTypes(t, r, id), "no events may be recorded")
			assert.Len(t, r.pub.published(), 1, "nothing new may be dispatched")
		})
	}
}

func TestCallbackEmbeddedHeaderAttribution(t *testing.T) {
	cases := []struct {
		name string
		body func(id string) string
	}{
		{
			name: "header object",
			body: func(id string) string {
				return `{"header": {"campaignId": "` + id + `", "nodeId": "t1", "has_error": false}}`
			},
		},
		{
			name: "headers object",
			body: func(id string) string {
				return `{"headers": {"campaignId": "` + id + `", "nodeId": "t1", "has_error": false}}`
			},
		},
		{
			name: "parent_header object",
			body: func(id string) string {
				return `{"parent_header": {"campaignId": "` + id + `", "nodeId": "t1", "has_error": false}}`
			},
		},
		{
			name: "node id as list",
			body: func(id string) string {
				return `{"header": {"campaignId": "` + id + `", "nodeId": ["t1", "ignored"], "has_error": false}}`
			},
		},
		{
			name: "campaign and node on the payload itself",
			body: func(id string) string {
				return `{"campaignId": "` + id + `", "nodeId": "t1", "headers": {"has_error": false}}`
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			id := submitSingleStep(t, r)

			// No broker-level headers at all.
			r.orc.HandleBrokerMessage([]byte(tc.body(id)), "application/json", nil)

			assert.Equal(t, 0, r.orc.LiveCount(), "step completion must finish the campaign")
			assert.Equal(t, []models.EventType{
				models.EventCampaignStarted, models.EventStepStart,
				models.EventStepComplete, models.EventCampaignCompleted,
			}, storedTypes(t, r, id))
		})
	}
}

func TestCallbackBrokerHeaderWinsOverEmbedded(t *testing.T) {
	t.Run("broker false beats embedded true", func(t *testing.T) {
		r := newRig(t)
		id := submitSingleStep(t, r)

		body := `{"header": {"has_error": true}}`
		r.orc.HandleBrokerMessage([]byte(body), "application/json", map[string]string{
			"campaignId": id, "nodeId": "t1", "has_error": "false",
		})

		assert.Equal(t, 0, r.orc.LiveCount())
		types := storedTypes(t, r, id)
		assert.Contains(t, types, models.EventStepComplete)
		assert.NotContains(t, types, models.EventCampaignError)
	})

	t.Run("broker true beats embedded false", func(t *testing.T) {
		r := newRig(t)
		id := submitSingleStep(t, r)

		body := `{"header": {"has_error": false}, "payload": "hard fault"}`
		r.orc.HandleBrokerMessage([]byte(body), "application/json", map[string]string{
			"campaignId": id, "nodeId": "t1", "has_error": "true",
		})

		assert.Equal(t, 0, r.orc.LiveCount())
		types := storedTypes(t, r, id)
		assert.Contains(t, types, models.EventCampaignError)
		assert.NotContains(t, types, models.EventStepComplete)
	})
}

func TestCallbackInvalidJSONWithGoodHeaders(t *testing.T) {
	r := newRig(t)
	id := submitSingleStep(t, r)

	r.orc.HandleBrokerMessage([]byte("not json at all"), "text/plain", map[string]string{
		"campaignId": id, "nodeId": "t1", "has_error": "false",
	})

	assert.Equal(t, 0, r.orc.LiveCount())
	assert.Equal(t, []models.EventType{
		models.EventCampaignStarted, models.EventStepStart,
		models.EventStepComplete, models.EventCampaignCompleted,
	}, storedTypes(t, r, id))
}

func TestCallbackNodeUUIDNormalization(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	campaign := singleStepCampaign()
	campaign.TaskGroups[0].Tasks[0].ID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

	id, err := r.orc.Submit(ctx, campaign)
	require.NoError(t, err)

	r.deliver(id, "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE", "false")
	assert.Equal(t, 0, r.orc.LiveCount())
}

func TestExtractCampaignRef(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		payload map[string]any
		want    string
	}{
		{
			name:    "camel case broker header wins",
			headers: map[string]string{"campaignId": "a", "campaign_id": "b", "id": "c"},
			payload: map[string]any{"campaignId": "d"},
			want:    "a",
		},
		{
			name:    "snake case broker header",
			headers: map[string]string{"campaign_id": "b"},
			want:    "b",
		},
		{
			name:    "bare id broker header",
			headers: map[string]string{"id": "c"},
			want:    "c",
		},
		{
			name:    "embedded header beats payload",
			payload: map[string]any{"header": map[string]any{"campaignId": "e"}, "campaignId": "f"},
			want:    "e",
		},
		{
			name:    "payload as last resort",
			payload: map[string]any{"campaignId": "f"},
			want:    "f",
		},
		{
			name:    "nothing matches",
			payload: map[string]any{"other": "x"},
			want:    "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.payload == nil {
				tc.payload = map[string]any{}
			}
			assert.Equal(t, tc.want, extractCampaignRef(tc.headers, tc.payload))
		})
	}
}

func TestParseHasError(t *testing.T) {
	cases := []struct {
		value string
		has   bool
		known bool
	}{
		{"true", true, true},
		{"True", true, true},
		{"1", true, true},
		{"YES ", true, true},
		{"false", false, true},
		{"0", false, true},
		{"no", false, true},
		{"", false, false},
		{"maybe", false, false},
		{"2", false, false},
	}

	for _, tc := range cases {
		has, known := parseHasError(tc.value)
		assert.Equal(t, tc.known, known, "known for %q", tc.value)
		if known {
			assert.Equal(t, tc.has, has, "value for %q", tc.value)
		}
	}
}

func TestSameStep(t *testing.T) {
	assert.True(t, sameStep("t1", "t1"))
	assert.False(t, sameStep("t1", "t2"))
	assert.True(t, sameStep(
		"AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE",
		"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"))
	assert.False(t, sameStep("T1", "t1"), "non-UUID references compare exactly")
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"payload string", `{"payload": "boom"}`, "boom"},
		{"empty payload falls back to content", `{"payload": "", "content": "secondary"}`, "secondary"},
		{"object payload is encoded", `{"payload": {"code": 7}}`, `{"code":7}`},
		{"whole document as last resort", `{"other": true}`, `{"other":true}`},
		{"empty document", `{}`, "{}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorMessage(parseJSON([]byte(tc.body))))
		})
	}
}

func TestServiceHierarchyFallback(t *testing.T) {
	payload := map[string]any{"header": map[string]any{"source": "embedded.src"}}

	assert.Equal(t, "broker.src",
		serviceHierarchy(map[string]string{"source": "broker.src"}, payload))
	assert.Equal(t, "embedded.src", serviceHierarchy(nil, payload))
	assert.Equal(t, "unknown-service", serviceHierarchy(nil, map[string]any{}))
}
