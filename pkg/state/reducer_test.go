package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
	"github.com/sciops/campaignd/pkg/store/memstore"
	"github.com/sciops/campaignd/pkg/workflow"
)

func testCampaign() models.Campaign {
	return models.Campaign{
		ID:   "11111111-2222-3333-4444-555555555555",
		Name: "reducer test",
		User: "tester",
		TaskGroups: []models.TaskGroup{
			{
				ID: "tg-1",
				Tasks: []models.Task{
					{ID: "task-1", Hierarchy: "org.fac.system.subsystem.service", Capability: "measure", OperationID: "op"},
					{ID: "task-2", Hierarchy: "org.fac.system.subsystem.service", Capability: "analyze", OperationID: "op", TaskDependencies: []string{"task-1"}},
				},
				Objectives: []models.Objective{
					{ID: "obj-1", Type: models.ObjectiveIterate, Iterations: 3},
				},
			},
		},
	}
}

func newTestReducer(t *testing.T) (*Reducer, store.EventStore, models.Campaign) {
	t.Helper()
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	campaign := testCampaign()
	initial := models.NewCampaignState(campaign, models.StatusQueued)
	require.NoError(t, st.CreateCampaign(context.Background(), campaign.ID, campaign, initial))

	return NewReducer(st), st, campaign
}

func TestRecordTaskGroupEvent(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	res, err := r.RecordTaskGroupEvent(ctx, campaign.ID, "tg-1", models.EventTaskGroupStarted,
		map[string]any{"message": "group started"})
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	event := res.Events[0]
	assert.Equal(t, models.EventTaskGroupStarted, event.EventType)
	assert.Equal(t, 1, event.Seq)
	assert.Equal(t, "tg-1", event.Payload["task_group_id"])
	assert.Equal(t, "group started", event.Payload["message"])
	assert.NotEmpty(t, event.EventID)

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, models.StatusRunning, snap.State.TaskGroups[0].Status)
}

func TestRecordTaskEventIncludesHierarchy(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	res, err := r.RecordTaskEvent(ctx, campaign.ID, "tg-1", "task-1", models.EventTaskCompleted,
		map[string]any{"message": "done"})
	require.NoError(t, err)

	event := res.Events[0]
	assert.Equal(t, "tg-1", event.Payload["task_group_id"])
	assert.Equal(t, "task-1", event.Payload["task_id"])
	assert.Equal(t, "done", event.Payload["message"])

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, snap.State.TaskGroups[0].Tasks[0].Status)
	assert.Equal(t, models.StatusQueued, snap.State.TaskGroups[0].Tasks[1].Status)
}

func TestRecordObjectiveMetFiresBothEvents(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	res, err := r.RecordObjectiveMet(ctx, campaign.ID, "tg-1", "obj-1", "iteration budget reached")
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	first, second := res.Events[0], res.Events[1]

	assert.Equal(t, models.EventTaskGroupObjectiveMet, first.EventType)
	assert.Equal(t, "tg-1", first.Payload["task_group_id"])
	assert.Equal(t, "obj-1", first.Payload["objective_id"])
	assert.Equal(t, "iteration budget reached", first.Payload["reason"])

	assert.Equal(t, models.EventTaskGroupCompleted, second.EventType)
	assert.Equal(t, "tg-1", second.Payload["task_group_id"])

	// Consecutive, distinct seqs keep the unique (campaign_id, seq)
	// constraint of the durable backends happy
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, models.StatusComplete, snap.State.TaskGroups[0].Status)
	assert.Equal(t, models.StatusComplete, snap.State.TaskGroups[0].Objectives[0].Status)
}

func TestRecordCampaignEventStatus(t *testing.T) {
	tests := []struct {
		eventType models.EventType
		want      models.ExecutionStatus
	}{
		{models.EventCampaignStarted, models.StatusRunning},
		{models.EventCampaignCompleted, models.StatusComplete},
		{models.EventCampaignCancelled, models.StatusError},
		{models.EventCampaignError, models.StatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			r, st, campaign := newTestReducer(t)
			ctx := context.Background()

			_, err := r.RecordCampaignEvent(ctx, campaign.ID, tt.eventType, nil)
			require.NoError(t, err)

			snap, err := st.LoadSnapshot(ctx, campaign.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.State.Status)
		})
	}
}

func TestRecordStepStartAndComplete(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	res, err := r.RecordStepStart(ctx, campaign.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventStepStart, res.Events[0].EventType)
	assert.Equal(t, "task-1", res.Events[0].Payload["step_id"])
	assert.Equal(t, "task-1", res.Snapshot.State.ActiveStep)

	res, err = r.RecordStepComplete(ctx, campaign.ID, "task-1", map[string]any{"duration_ms": 42})
	require.NoError(t, err)
	assert.Equal(t, models.EventStepComplete, res.Events[0].EventType)
	assert.Equal(t, 2, res.Events[0].Seq)
	assert.Equal(t, 42, res.Events[0].Payload["duration_ms"])
	assert.Empty(t, res.Snapshot.State.ActiveStep)

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	assert.Empty(t, snap.State.ActiveStep)
}

func TestRecordTransition(t *testing.T) {
	tests := []struct {
		name       string
		transition workflow.FiredTransition
		eventType  models.EventType
		check      func(t *testing.T, state models.CampaignState)
	}{
		{
			name:       "activate starts the group",
			transition: workflow.FiredTransition{Kind: workflow.KindActivate, GroupID: "tg-1"},
			eventType:  models.EventTaskGroupStarted,
			check: func(t *testing.T, state models.CampaignState) {
				assert.Equal(t, models.StatusRunning, state.TaskGroups[0].Status)
			},
		},
		{
			name:       "task completes the task",
			transition: workflow.FiredTransition{Kind: workflow.KindTask, GroupID: "tg-1", TaskID: "task-1"},
			eventType:  models.EventTaskCompleted,
			check: func(t *testing.T, state models.CampaignState) {
				assert.Equal(t, models.StatusComplete, state.TaskGroups[0].Tasks[0].Status)
			},
		},
		{
			name:       "complete closes the group",
			transition: workflow.FiredTransition{Kind: workflow.KindComplete, GroupID: "tg-1"},
			eventType:  models.EventTaskGroupCompleted,
			check: func(t *testing.T, state models.CampaignState) {
				assert.Equal(t, models.StatusComplete, state.TaskGroups[0].Status)
			},
		},
		{
			name:       "finalize completes the campaign",
			transition: workflow.FiredTransition{Kind: workflow.KindFinalize},
			eventType:  models.EventCampaignCompleted,
			check: func(t *testing.T, state models.CampaignState) {
				assert.Equal(t, models.StatusComplete, state.Status)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, campaign := newTestReducer(t)

			res, err := r.RecordTransition(context.Background(), campaign.ID, tt.transition)
			require.NoError(t, err)
			require.Len(t, res.Events, 1)
			assert.Equal(t, tt.eventType, res.Events[0].EventType)
			tt.check(t, res.Snapshot.State)
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		r, _, campaign := newTestReducer(t)
		_, err := r.RecordTransition(context.Background(), campaign.ID, workflow.FiredTransition{Kind: "bogus"})
		require.Error(t, err)
	})
}

func TestRecordUnknownCampaign(t *testing.T) {
	r := NewReducer(memstore.New())

	_, err := r.RecordCampaignEvent(context.Background(), "no-such-campaign", models.EventCampaignStarted, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequencesStayDense(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	_, err := r.RecordCampaignEvent(ctx, campaign.ID, models.EventCampaignStarted, nil)
	require.NoError(t, err)
	_, err = r.RecordStepStart(ctx, campaign.ID, "task-1")
	require.NoError(t, err)
	_, err = r.RecordStepComplete(ctx, campaign.ID, "task-1", nil)
	require.NoError(t, err)
	_, err = r.RecordObjectiveMet(ctx, campaign.ID, "tg-1", "obj-1", "met")
	require.NoError(t, err)

	events, err := st.LoadEvents(ctx, campaign.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, i+1, e.Seq)
	}

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Version)
}

func TestEventStreamTicksChangeNoStatus(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	// A perpetual event stream delivers many ticks before the task closes
	for i := 0; i < 1000; i++ {
		_, err := r.RecordTaskEvent(ctx, campaign.ID, "tg-1", "task-1",
			models.EventTaskEventReceived, map[string]any{"event_number": i + 1})
		require.NoError(t, err)
	}

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, snap.Version)
	assert.Equal(t, models.StatusQueued, snap.State.TaskGroups[0].Tasks[0].Status)
	assert.Equal(t, models.StatusQueued, snap.State.TaskGroups[0].Status)

	res, err := r.RecordTaskEvent(ctx, campaign.ID, "tg-1", "task-1", models.EventTaskCompleted,
		map[string]any{"total_events": 1000})
	require.NoError(t, err)
	assert.Equal(t, 1001, res.Events[0].Seq)
	assert.Equal(t, models.StatusComplete, res.Snapshot.State.TaskGroups[0].Tasks[0].Status)
}

func TestReplayFoldsOrphanedEvents(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	// A writer that stopped between the pair's two writes leaves the log
	// one event ahead of the snapshot
	orphan := models.Event{
		EventID:    "orphan-1",
		CampaignID: campaign.ID,
		Seq:        1,
		EventType:  models.EventTaskGroupStarted,
		Payload:    map[string]any{"task_group_id": "tg-1"},
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, st.AppendEvent(ctx, orphan, 0))

	snap, err := r.Replay(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, models.StatusRunning, snap.State.TaskGroups[0].Status)

	// Nothing left to fold
	snap, err = r.Replay(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
}

func TestRecordHealsCrashWindow(t *testing.T) {
	r, st, campaign := newTestReducer(t)
	ctx := context.Background()

	orphan := models.Event{
		EventID:    "orphan-1",
		CampaignID: campaign.ID,
		Seq:        1,
		EventType:  models.EventTaskGroupStarted,
		Payload:    map[string]any{"task_group_id": "tg-1"},
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, st.AppendEvent(ctx, orphan, 0))

	// The next recording folds the orphan in and then lands at seq 2
	res, err := r.RecordCampaignEvent(ctx, campaign.ID, models.EventCampaignStarted, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 2, res.Events[0].Seq)

	snap, err := st.LoadSnapshot(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, models.StatusRunning, snap.State.Status)
	assert.Equal(t, models.StatusRunning, snap.State.TaskGroups[0].Status)
}

func TestRecordedPayloadDoesNotAliasCaller(t *testing.T) {
	r, _, campaign := newTestReducer(t)

	payload := map[string]any{"message": "original"}
	res, err := r.RecordTaskGroupEvent(context.Background(), campaign.ID, "tg-1",
		models.EventTaskGroupStarted, payload)
	require.NoError(t, err)

	payload["message"] = "mutated"
	assert.Equal(t, "original", res.Events[0].Payload["message"])
	assert.NotContains(t, payload, "task_group_id")
}

func TestEventIDsAreUnique(t *testing.T) {
	r, _, campaign := newTestReducer(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		res, err := r.RecordTaskEvent(ctx, campaign.ID, "tg-1", "task-1",
			models.EventTaskEventReceived, map[string]any{"event_number": fmt.Sprintf("%d", i)})
		require.NoError(t, err)
		id := res.Events[0].EventID
		assert.False(t, seen[id], "duplicate event id %s", id)
		seen[id] = true
	}
}
