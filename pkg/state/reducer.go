// Package state turns campaign lifecycle actions into event-store writes.
// Every action appends one event (or, for objective completions, two) and
// moves the snapshot forward in lockstep, so the log stays dense and the
// snapshot version always equals the highest appended seq.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
	"github.com/sciops/campaignd/pkg/workflow"
)

// Reducer is the only writer to the store after campaign creation. It is
// not internally synchronized: the orchestrator serializes writes per
// campaign, which keeps the compare-and-set pairs conflict-free.
type Reducer struct {
	store store.EventStore

	// Overridable for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewReducer returns a reducer writing through the given store.
func NewReducer(st store.EventStore) *Reducer {
	return &Reducer{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Result reports what a recording produced: the appended events in seq
// order and the snapshot after the last write.
type Result struct {
	Events   []models.Event
	Snapshot models.Snapshot
}

// change is one pending event plus its payload; the status delta is
// derived from the event type when the event is applied.
type change struct {
	eventType models.EventType
	payload   map[string]any
}

// RecordCampaignEvent appends a campaign-level event such as
// CAMPAIGN_STARTED, CAMPAIGN_CANCELLED, or CAMPAIGN_ERROR.
func (r *Reducer) RecordCampaignEvent(ctx context.Context, campaignID string, eventType models.EventType, payload map[string]any) (Result, error) {
	return r.record(ctx, campaignID, []change{{eventType, withFields(payload, nil)}})
}

// RecordTaskGroupEvent appends a group-level event. The payload always
// carries task_group_id, merged over any caller-provided fields.
func (r *Reducer) RecordTaskGroupEvent(ctx context.Context, campaignID, groupID string, eventType models.EventType, payload map[string]any) (Result, error) {
	merged := withFields(payload, map[string]any{"task_group_id": groupID})
	return r.record(ctx, campaignID, []change{{eventType, merged}})
}

// RecordTaskEvent appends a task-level event. The payload always carries
// task_group_id and task_id, merged over any caller-provided fields.
func (r *Reducer) RecordTaskEvent(ctx context.Context, campaignID, groupID, taskID string, eventType models.EventType, payload map[string]any) (Result, error) {
	merged := withFields(payload, map[string]any{
		"task_group_id": groupID,
		"task_id":       taskID,
	})
	return r.record(ctx, campaignID, []change{{eventType, merged}})
}

// RecordObjectiveMet appends the objective-met pair: first
// TASK_GROUP_OBJECTIVE_MET naming the objective and reason, then
// TASK_GROUP_COMPLETED. The two events carry consecutive seqs and each
// moves the snapshot, so the unique (campaign_id, seq) constraint of the
// durable backends can never trip over them.
func (r *Reducer) RecordObjectiveMet(ctx context.Context, campaignID, groupID, objectiveID, reason string) (Result, error) {
	return r.record(ctx, campaignID, []change{
		{models.EventTaskGroupObjectiveMet, map[string]any{
			"task_group_id": groupID,
			"objective_id":  objectiveID,
			"reason":        reason,
		}},
		{models.EventTaskGroupCompleted, map[string]any{"task_group_id": groupID}},
	})
}

// RecordStepStart appends STEP_START and points the snapshot's active
// step at the dispatched task.
func (r *Reducer) RecordStepStart(ctx context.Context, campaignID, stepID string) (Result, error) {
	return r.record(ctx, campaignID, []change{
		{models.EventStepStart, map[string]any{"step_id": stepID}},
	})
}

// RecordStepComplete appends STEP_COMPLETE and clears the snapshot's
// active step. Extra fields from the completing message ride along in the
// payload.
func (r *Reducer) RecordStepComplete(ctx context.Context, campaignID, stepID string, payload map[string]any) (Result, error) {
	merged := withFields(payload, map[string]any{"step_id": stepID})
	return r.record(ctx, campaignID, []change{{models.EventStepComplete, merged}})
}

// RecordTransition maps a fired workflow transition to its lifecycle
// event: activation starts the group, a task transition completes the
// task, group completion closes the group, and finalize completes the
// campaign. The caller resolves the transition name through the compiled
// net, which is the only place underscored ids split unambiguously.
func (r *Reducer) RecordTransition(ctx context.Context, campaignID string, t workflow.FiredTransition) (Result, error) {
	switch t.Kind {
	case workflow.KindActivate:
		return r.RecordTaskGroupEvent(ctx, campaignID, t.GroupID, models.EventTaskGroupStarted, nil)
	case workflow.KindTask:
		return r.RecordTaskEvent(ctx, campaignID, t.GroupID, t.TaskID, models.EventTaskCompleted, nil)
	case workflow.KindComplete:
		return r.RecordTaskGroupEvent(ctx, campaignID, t.GroupID, models.EventTaskGroupCompleted, nil)
	case workflow.KindFinalize:
		return r.RecordCampaignEvent(ctx, campaignID, models.EventCampaignCompleted, nil)
	default:
		return Result{}, fmt.Errorf("unknown transition kind %q", t.Kind)
	}
}

// Replay folds events the snapshot has not seen yet (seq > version) into
// the state and moves the snapshot to the last applied seq. A writer that
// stopped between AppendEvent and UpdateSnapshot leaves exactly this gap;
// replaying closes it. With nothing to fold the snapshot returns as is.
func (r *Reducer) Replay(ctx context.Context, campaignID string) (models.Snapshot, error) {
	snap, err := r.store.LoadSnapshot(ctx, campaignID)
	if err != nil {
		return models.Snapshot{}, err
	}
	events, err := r.store.LoadEvents(ctx, campaignID, snap.Version)
	if err != nil {
		return models.Snapshot{}, err
	}
	if len(events) == 0 {
		return snap, nil
	}
	for _, e := range events {
		applyEvent(&snap.State, e)
	}
	healed := models.Snapshot{
		CampaignID: campaignID,
		Version:    events[len(events)-1].Seq,
		State:      snap.State,
		UpdatedAt:  r.now(),
	}
	if err := r.store.UpdateSnapshot(ctx, healed, snap.Version); err != nil {
		return models.Snapshot{}, fmt.Errorf("updating replayed snapshot: %w", err)
	}
	return healed, nil
}

// record runs the append+update pair for each change. When the very first
// append reports a sequence conflict the log is ahead of the snapshot
// (the crash window between the pair's two writes), so the reducer
// replays the orphaned events and retries the whole action once. A
// conflict after something was already appended is surfaced untouched:
// retrying would duplicate the earlier events.
func (r *Reducer) record(ctx context.Context, campaignID string, changes []change) (Result, error) {
	res, appended, err := r.apply(ctx, campaignID, changes)
	if err != nil && appended == 0 && errors.Is(err, store.ErrSequenceConflict) {
		if _, healErr := r.Replay(ctx, campaignID); healErr != nil {
			return Result{}, fmt.Errorf("healing stale snapshot for %s: %w", campaignID, healErr)
		}
		res, _, err = r.apply(ctx, campaignID, changes)
	}
	return res, err
}

func (r *Reducer) apply(ctx context.Context, campaignID string, changes []change) (Result, int, error) {
	snap, err := r.store.LoadSnapshot(ctx, campaignID)
	if err != nil {
		return Result{}, 0, err
	}

	var res Result
	appended := 0
	for _, ch := range changes {
		event := models.Event{
			EventID:    r.newID(),
			CampaignID: campaignID,
			Seq:        snap.Version + 1,
			EventType:  ch.eventType,
			Payload:    ch.payload,
			Timestamp:  r.now(),
		}
		if err := r.store.AppendEvent(ctx, event, snap.Version); err != nil {
			return res, appended, fmt.Errorf("appending %s at seq %d: %w", ch.eventType, event.Seq, err)
		}
		appended++

		applyEvent(&snap.State, event)
		snap = models.Snapshot{
			CampaignID: campaignID,
			Version:    event.Seq,
			State:      snap.State,
			UpdatedAt:  event.Timestamp,
		}
		if err := r.store.UpdateSnapshot(ctx, snap, snap.Version-1); err != nil {
			return res, appended, fmt.Errorf("updating snapshot to version %d: %w", snap.Version, err)
		}

		res.Events = append(res.Events, event)
		res.Snapshot = snap
	}
	return res, appended, nil
}

// applyEvent derives the status delta of one event. Events carry their
// addressing in the payload, so the same switch serves both live writes
// and replay of stored events.
func applyEvent(state *models.CampaignState, e models.Event) {
	groupID, _ := e.Payload["task_group_id"].(string)
	taskID, _ := e.Payload["task_id"].(string)

	switch e.EventType {
	case models.EventCampaignStarted:
		state.Status = models.StatusRunning
	case models.EventCampaignCompleted:
		state.Status = models.StatusComplete
	case models.EventCampaignCancelled, models.EventCampaignError:
		state.Status = models.StatusError
	case models.EventTaskGroupStarted:
		state.SetTaskGroupStatus(groupID, models.StatusRunning)
	case models.EventTaskGroupCompleted:
		state.SetTaskGroupStatus(groupID, models.StatusComplete)
	case models.EventTaskGroupObjectiveMet:
		if objectiveID, ok := e.Payload["objective_id"].(string); ok {
			state.SetObjectiveStatus(groupID, objectiveID, models.StatusComplete)
		}
	case models.EventTaskCompleted:
		state.SetTaskStatus(groupID, taskID, models.StatusComplete)
	case models.EventStepStart:
		if stepID, ok := e.Payload["step_id"].(string); ok {
			state.ActiveStep = stepID
		}
	case models.EventStepComplete:
		state.ActiveStep = ""
	case models.EventTaskEventReceived:
		// Stream ticks consume a seq but change no statuses.
	}
}

// withFields copies the caller payload and lays the reducer's addressing
// fields over it. The result is never nil and never aliases the input.
func withFields(payload, fields map[string]any) map[string]any {
	merged := make(map[string]any, len(payload)+len(fields))
	for k, v := range payload {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
