// Package storetest holds the contract test suite every event store
// backend must pass. Backend packages call Run from their own tests with
// a factory for a fresh, empty store.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
)

// Factory returns a fresh store with no campaigns in it. The suite calls
// it once per subtest; cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) store.EventStore

// Run executes the backend contract suite against the given factory.
func Run(t *testing.T, open Factory) {
	t.Run("create and get campaign", func(t *testing.T) { testCreateAndGet(t, open(t)) })
	t.Run("duplicate create fails", func(t *testing.T) { testDuplicateCreate(t, open(t)) })
	t.Run("initial snapshot is version zero", func(t *testing.T) { testInitialSnapshot(t, open(t)) })
	t.Run("loaded snapshot is a deep copy", func(t *testing.T) { testSnapshotDeepCopy(t, open(t)) })
	t.Run("append enforces version and sequence", func(t *testing.T) { testAppendCAS(t, open(t)) })
	t.Run("update snapshot is compare-and-set", func(t *testing.T) { testUpdateCAS(t, open(t)) })
	t.Run("load events filters and orders by seq", func(t *testing.T) { testLoadEvents(t, open(t)) })
	t.Run("unknown campaign lookups", func(t *testing.T) { testUnknownCampaign(t, open(t)) })
	t.Run("log ahead of snapshot is replayable", func(t *testing.T) { testCrashWindowReplay(t, open(t)) })
}

func newCampaign(id string) models.Campaign {
	return models.Campaign{
		ID:          id,
		Name:        "contract-suite",
		User:        "tester",
		Description: "store contract fixture",
		TaskGroups: []models.TaskGroup{
			{
				ID: "tg-1",
				Tasks: []models.Task{
					{
						ID:          "task-1",
						Hierarchy:   "org.fac.system.subsystem.service",
						Capability:  "Fixture",
						OperationID: "run",
					},
				},
			},
		},
	}
}

func mustCreate(t *testing.T, s store.EventStore, id string) models.Campaign {
	t.Helper()
	c := newCampaign(id)
	state := models.NewCampaignState(c, models.StatusQueued)
	require.NoError(t, s.CreateCampaign(context.Background(), id, c, state))
	return c
}

func newEvent(campaignID string, seq int, eventType models.EventType) models.Event {
	return models.Event{
		EventID:    uuid.NewString(),
		CampaignID: campaignID,
		Seq:        seq,
		EventType:  eventType,
		Payload:    map[string]any{"task_group_id": "tg-1"},
		Timestamp:  time.Now().UTC(),
	}
}

// appendAndBump performs the logical state change pair: append at the
// current version, then move the snapshot to the event's seq.
func appendAndBump(t *testing.T, s store.EventStore, id string, eventType models.EventType) {
	t.Helper()
	ctx := context.Background()
	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	event := newEvent(id, snap.Version+1, eventType)
	require.NoError(t, s.AppendEvent(ctx, event, snap.Version))
	snap.Version = event.Seq
	snap.UpdatedAt = event.Timestamp
	require.NoError(t, s.UpdateSnapshot(ctx, snap, event.Seq-1))
}

func testCreateAndGet(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	created := mustCreate(t, s, id)

	got, err := s.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Name, got.Name)
	require.Len(t, got.TaskGroups, 1)
	assert.Equal(t, "tg-1", got.TaskGroups[0].ID)

	exists, err := s.CampaignExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testDuplicateCreate(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	c := newCampaign(id)
	err := s.CreateCampaign(ctx, id, c, models.NewCampaignState(c, models.StatusQueued))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testInitialSnapshot(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.CampaignID)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, models.StatusQueued, snap.State.Status)
	require.Len(t, snap.State.TaskGroups, 1)
	assert.Equal(t, models.StatusQueued, snap.State.TaskGroups[0].Status)

	events, err := s.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testSnapshotDeepCopy(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	first, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	first.State.Status = models.StatusError
	first.State.TaskGroups[0].Status = models.StatusError
	first.State.TaskGroups[0].Tasks[0].Status = models.StatusError

	second, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, second.State.Status)
	assert.Equal(t, models.StatusQueued, second.State.TaskGroups[0].Status)
	assert.Equal(t, models.StatusQueued, second.State.TaskGroups[0].Tasks[0].Status)
}

func testAppendCAS(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	// Happy path: seq 1 at version 0.
	require.NoError(t, s.AppendEvent(ctx, newEvent(id, 1, models.EventStepStart), 0))

	// Same expected version again: the stored version is still 0 (no
	// snapshot bump yet), so a second seq-1 append only fails on seq reuse
	// after the snapshot moves. Bump the snapshot first.
	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	snap.Version = 1
	require.NoError(t, s.UpdateSnapshot(ctx, snap, 0))

	// Stale version.
	err = s.AppendEvent(ctx, newEvent(id, 2, models.EventStepComplete), 0)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	// Wrong sequence for the right version.
	err = s.AppendEvent(ctx, newEvent(id, 3, models.EventStepComplete), 1)
	assert.ErrorIs(t, err, store.ErrSequenceConflict)

	// Correct pair.
	require.NoError(t, s.AppendEvent(ctx, newEvent(id, 2, models.EventStepComplete), 1))
}

func testUpdateCAS(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	snap.Version = 1
	snap.State.Status = models.StatusRunning
	require.NoError(t, s.UpdateSnapshot(ctx, snap, 0))

	// Stale expected version.
	snap.Version = 2
	err = s.UpdateSnapshot(ctx, snap, 0)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	reloaded, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Version)
	assert.Equal(t, models.StatusRunning, reloaded.State.Status)
}

func testLoadEvents(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	types := []models.EventType{
		models.EventCampaignStarted,
		models.EventStepStart,
		models.EventStepComplete,
		models.EventTaskCompleted,
		models.EventCampaignCompleted,
	}
	for _, et := range types {
		appendAndBump(t, s, id, et)
	}

	all, err := s.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, all, len(types))
	for i, event := range all {
		assert.Equal(t, i+1, event.Seq, "events must be ordered by seq")
		assert.Equal(t, types[i], event.EventType)
		assert.Equal(t, "tg-1", event.Payload["task_group_id"])
	}

	tail, err := s.LoadEvents(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 4, tail[0].Seq)
	assert.Equal(t, 5, tail[1].Seq)

	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, len(types), snap.Version)
}

func testUnknownCampaign(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.GetCampaign(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.LoadSnapshot(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.AppendEvent(ctx, newEvent(id, 1, models.EventStepStart), 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.UpdateSnapshot(ctx, models.Snapshot{CampaignID: id, Version: 1}, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := s.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	exists, err := s.CampaignExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

// testCrashWindowReplay drives the store into the state a crash between
// AppendEvent and UpdateSnapshot leaves behind, then rebuilds the snapshot
// by replaying the dangling events.
func testCrashWindowReplay(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	id := uuid.NewString()
	mustCreate(t, s, id)

	require.NoError(t, s.AppendEvent(ctx, newEvent(id, 1, models.EventCampaignStarted), 0))

	snap, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Version, "snapshot must not move on append alone")

	dangling, err := s.LoadEvents(ctx, id, snap.Version)
	require.NoError(t, err)
	require.Len(t, dangling, 1)

	for _, event := range dangling {
		snap.Version = event.Seq
		require.NoError(t, s.UpdateSnapshot(ctx, snap, event.Seq-1))
	}

	recovered, err := s.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered.Version)
}

