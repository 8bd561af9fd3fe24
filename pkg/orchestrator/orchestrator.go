// Package orchestrator drives campaigns from submission to completion. It
// owns the live-campaign table, dispatches each step to the broker in
// declaration order, matches broker callbacks back to the campaign and step
// they answer, and records every lifecycle change through the state reducer
// so the durable log stays ahead of the subscriber stream.
//
// A single mutex guards the live maps and per-campaign cursors. Store
// writes, broker publishes and stream emission all happen outside it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sciops/campaignd/pkg/broker"
	"github.com/sciops/campaignd/pkg/events"
	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/state"
	"github.com/sciops/campaignd/pkg/store"
	"github.com/sciops/campaignd/pkg/version"
	"github.com/sciops/campaignd/pkg/workflow"
)

// step is one dispatchable unit of work: a task plus the group it came from.
type step struct {
	groupID string
	task    models.Task
}

// liveCampaign is the in-memory execution state of one registered campaign.
// cursor and active are guarded by the orchestrator mutex; the rest is
// immutable after registration.
type liveCampaign struct {
	id       string
	aliases  []string
	campaign models.Campaign
	compiled *workflow.Compiled
	steps    []step
	cursor   int
	active   string
}

// Orchestrator coordinates campaign execution across the event store, the
// state reducer, the broker and the subscriber stream.
type Orchestrator struct {
	store      store.EventStore
	reducer    *state.Reducer
	hub        *events.Hub
	publisher  broker.Publisher
	systemName string

	mu        sync.Mutex
	campaigns map[string]*liveCampaign
	aliases   map[string]string
}

// New creates an orchestrator. systemName is the default source header
// advertised on dispatched steps; empty falls back to the application name.
func New(st store.EventStore, reducer *state.Reducer, hub *events.Hub, publisher broker.Publisher, systemName string) *Orchestrator {
	if systemName == "" {
		systemName = version.AppName
	}
	return &Orchestrator{
		store:      st,
		reducer:    reducer,
		hub:        hub,
		publisher:  publisher,
		systemName: systemName,
		campaigns:  make(map[string]*liveCampaign),
		aliases:    make(map[string]string),
	}
}

// Submit validates, compiles and registers a campaign, then dispatches its
// first step. The returned id is canonical: the submitted id when it parses
// as a UUID, otherwise a freshly minted one. A campaign with no steps
// completes immediately.
func (o *Orchestrator) Submit(ctx context.Context, campaign models.Campaign) (string, error) {
	rawID := campaign.ID
	campaign.ID = resolveCampaignID(campaign)

	if problems := campaign.Validate(); len(problems) > 0 {
		return "", NewValidationError(problems)
	}

	compiled, err := workflow.Compile(campaign)
	if err != nil {
		return "", NewValidationError([]string{err.Error()})
	}
	for _, w := range compiled.Warnings {
		slog.Warn("Campaign compiled with warning", "campaign_id", campaign.ID, "warning", w)
	}

	lc := &liveCampaign{
		id:       campaign.ID,
		aliases:  campaignAliases(campaign, rawID),
		campaign: campaign,
		compiled: compiled,
		steps:    flattenSteps(campaign),
	}

	o.mu.Lock()
	_, live := o.campaigns[lc.id]
	o.mu.Unlock()
	if live {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, lc.id)
	}

	initial := models.NewCampaignState(campaign, models.StatusQueued)
	if err := o.store.CreateCampaign(ctx, lc.id, campaign, initial); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, lc.id)
		}
		return "", fmt.Errorf("creating campaign: %w", err)
	}

	o.mu.Lock()
	if _, live := o.campaigns[lc.id]; live {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, lc.id)
	}
	o.campaigns[lc.id] = lc
	for _, a := range lc.aliases {
		o.aliases[a] = lc.id
	}
	o.mu.Unlock()

	if _, err := o.reducer.RecordCampaignEvent(ctx, lc.id, models.EventCampaignStarted, nil); err != nil {
		o.remove(lc.id)
		return "", fmt.Errorf("recording campaign start: %w", err)
	}
	slog.Info("Campaign registered", "campaign_id", lc.id, "steps", len(lc.steps))

	o.startNextStep(ctx, lc)
	return lc.id, nil
}

// Cancel removes a campaign from execution. It reports false when the
// reference matches no live campaign; stored history is kept either way.
func (o *Orchestrator) Cancel(ctx context.Context, ref string) bool {
	lc := o.remove(ref)
	if lc == nil {
		return false
	}
	if _, err := o.reducer.RecordCampaignEvent(ctx, lc.id, models.EventCampaignCancelled,
		map[string]any{"reason": "Campaign cancelled by user"}); err != nil {
		slog.Error("Recording campaign cancellation", "campaign_id", lc.id, "error", err)
	}
	o.emit(lc.id, events.NewUnknownError("Campaign cancelled by user"))
	slog.Info("Campaign cancelled", "campaign_id", lc.id)
	return true
}

// FireTransition fires a named transition on a live campaign's workflow net
// and records the lifecycle events the firing stands for. Firing the
// finalize transition completes the campaign.
func (o *Orchestrator) FireTransition(ctx context.Context, ref, transition string) error {
	o.mu.Lock()
	id := ref
	if canonical, ok := o.aliases[ref]; ok {
		id = canonical
	}
	lc, ok := o.campaigns[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err := lc.compiled.Net.Fire(transition); err != nil {
		o.mu.Unlock()
		return err
	}
	fired, _ := lc.compiled.Resolve(transition)
	o.mu.Unlock()

	res, err := o.reducer.RecordTransition(ctx, id, fired)
	if err != nil {
		return fmt.Errorf("recording transition %s: %w", transition, err)
	}
	for _, ev := range res.Events {
		o.emit(id, events.FromStored(ev))
	}
	if fired.Kind == workflow.KindFinalize && o.remove(id) != nil {
		o.emit(id, events.NewCampaignComplete())
		slog.Info("Campaign completed", "campaign_id", id)
	}
	return nil
}

// GetCampaign returns the stored campaign for a live alias or stored id.
func (o *Orchestrator) GetCampaign(ctx context.Context, ref string) (models.Campaign, error) {
	c, err := o.store.GetCampaign(ctx, o.resolve(ref))
	if errors.Is(err, store.ErrNotFound) {
		return models.Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, err
}

// GetSnapshot returns the latest stored snapshot for a live alias or
// stored id.
func (o *Orchestrator) GetSnapshot(ctx context.Context, ref string) (models.Snapshot, error) {
	snap, err := o.store.LoadSnapshot(ctx, o.resolve(ref))
	if errors.Is(err, store.ErrNotFound) {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return snap, err
}

// GetNet returns the compiled workflow net of a live campaign.
func (o *Orchestrator) GetNet(ref string) (*workflow.Net, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := ref
	if canonical, ok := o.aliases[ref]; ok {
		id = canonical
	}
	lc, ok := o.campaigns[id]
	if !ok {
		return nil, false
	}
	return lc.compiled.Net, true
}

// ActiveStep reports the step a live campaign is waiting on. The step id is
// empty between dispatches; the bool reports whether the campaign is live.
func (o *Orchestrator) ActiveStep(ref string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := ref
	if canonical, ok := o.aliases[ref]; ok {
		id = canonical
	}
	lc, ok := o.campaigns[id]
	if !ok {
		return "", false
	}
	return lc.active, true
}

// LiveCount reports how many campaigns are currently executing.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.campaigns)
}

// startNextStep dispatches the step at the cursor, or completes the
// campaign when the cursor has walked past the last step. Any dispatch
// failure tears the campaign down with an UNKNOWN_ERROR.
func (o *Orchestrator) startNextStep(ctx context.Context, lc *liveCampaign) {
	o.mu.Lock()
	if _, live := o.campaigns[lc.id]; !live {
		o.mu.Unlock()
		return
	}
	if lc.cursor >= len(lc.steps) {
		o.mu.Unlock()
		o.finishCampaign(ctx, lc)
		return
	}
	st := lc.steps[lc.cursor]
	lc.active = st.task.ID
	o.mu.Unlock()

	if _, err := o.reducer.RecordStepStart(ctx, lc.id, st.task.ID); err != nil {
		slog.Error("Recording step start", "campaign_id", lc.id, "step_id", st.task.ID, "error", err)
		o.failCampaign(ctx, lc, "recording step start: "+err.Error())
		return
	}
	o.emit(lc.id, events.NewStepStart(st.task.ID))

	req, err := broker.ResolvePublish(o.stepMetadata(lc.campaign, st))
	if err != nil {
		slog.Error("Resolving step publish parameters", "campaign_id", lc.id, "step_id", st.task.ID, "error", err)
		o.failCampaign(ctx, lc, err.Error())
		return
	}
	if err := o.publisher.Publish(ctx, req.Topic, req.Body, req.ContentType, req.Headers, req.Persist); err != nil {
		slog.Error("Publishing step to broker", "campaign_id", lc.id, "step_id", st.task.ID, "topic", req.Topic, "error", err)
		o.failCampaign(ctx, lc, "publishing step to broker: "+err.Error())
		return
	}
	slog.Info("Step dispatched", "campaign_id", lc.id, "step_id", st.task.ID, "topic", req.Topic)
}

// finishCampaign records completion, notifies subscribers and drops the
// campaign from the live table.
func (o *Orchestrator) finishCampaign(ctx context.Context, lc *liveCampaign) {
	if o.remove(lc.id) == nil {
		return
	}
	if _, err := o.reducer.RecordCampaignEvent(ctx, lc.id, models.EventCampaignCompleted, nil); err != nil {
		slog.Error("Recording campaign completion", "campaign_id", lc.id, "error", err)
	}
	o.emit(lc.id, events.NewCampaignComplete())
	slog.Info("Campaign completed", "campaign_id", lc.id)
}

// failCampaign records an unrecoverable orchestration error, notifies
// subscribers and drops the campaign from the live table.
func (o *Orchestrator) failCampaign(ctx context.Context, lc *liveCampaign, reason string) {
	if o.remove(lc.id) == nil {
		return
	}
	if _, err := o.reducer.RecordCampaignEvent(ctx, lc.id, models.EventCampaignError,
		map[string]any{"reason": reason}); err != nil {
		slog.Error("Recording campaign error", "campaign_id", lc.id, "error", err)
	}
	o.emit(lc.id, events.NewUnknownError(reason))
}

// serviceError records a failure reported by a remote capability, notifies
// subscribers and drops the campaign from the live table.
func (o *Orchestrator) serviceError(ctx context.Context, lc *liveCampaign, stepID, hierarchy, message string) {
	if o.remove(lc.id) == nil {
		return
	}
	if _, err := o.reducer.RecordCampaignEvent(ctx, lc.id, models.EventCampaignError,
		map[string]any{"reason": message, "service_hierarchy": hierarchy, "step_id": stepID}); err != nil {
		slog.Error("Recording service error", "campaign_id", lc.id, "error", err)
	}
	o.emit(lc.id, events.NewCampaignErrorFromService(stepID, hierarchy, message))
	slog.Warn("Campaign failed by service", "campaign_id", lc.id, "step_id", stepID, "service", hierarchy)
}

// remove deletes a campaign and all its aliases from the live maps,
// returning it, or nil when the reference matches nothing.
func (o *Orchestrator) remove(ref string) *liveCampaign {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.aliases[ref]
	if !ok {
		id = ref
	}
	lc, ok := o.campaigns[id]
	if !ok {
		return nil
	}
	delete(o.campaigns, id)
	for _, a := range lc.aliases {
		delete(o.aliases, a)
	}
	return lc
}

// resolve maps a live alias to its canonical id; unknown references pass
// through so stored campaigns stay reachable after teardown.
func (o *Orchestrator) resolve(ref string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.aliases[ref]; ok {
		return id
	}
	return ref
}

// emit pushes one stream event to all subscribers.
func (o *Orchestrator) emit(campaignID string, event any) {
	if err := o.hub.PublishEvent(campaignID, event); err != nil {
		slog.Error("Publishing stream event", "campaign_id", campaignID, "error", err)
	}
}

// stepMetadata assembles the metadata the broker resolver works from. The
// task's own metadata wins over a per-step entry under the campaign
// metadata "steps" key, which wins over the campaign metadata itself; all
// of them override the orchestrator defaults.
func (o *Orchestrator) stepMetadata(c models.Campaign, st step) map[string]any {
	meta := map[string]any{
		"source":      o.systemName,
		"sdk_version": version.SDKVersion,
		"campaignId":  c.ID,
		"nodeId":      st.task.ID,
	}
	if st.task.Hierarchy != "" {
		meta["service_hierarchy"] = st.task.Hierarchy
	}
	overlay := c.Metadata
	if steps, ok := c.Metadata["steps"].(map[string]any); ok {
		if m, ok := steps[st.task.ID].(map[string]any); ok {
			overlay = m
		}
	}
	if len(st.task.Metadata) > 0 {
		overlay = st.task.Metadata
	}
	for k, v := range overlay {
		meta[k] = v
	}
	return meta
}

// resolveCampaignID picks the canonical UUID for a submission: the
// campaign's own id when parsable, else the first parsable id-shaped
// metadata value, else a freshly minted one.
func resolveCampaignID(c models.Campaign) string {
	if parsed, err := uuid.Parse(c.ID); err == nil {
		return parsed.String()
	}
	for _, key := range []string{"campaignId", "campaign_id", "id"} {
		if s, ok := c.Metadata[key].(string); ok {
			if parsed, err := uuid.Parse(s); err == nil {
				return parsed.String()
			}
		}
	}
	return uuid.NewString()
}

// campaignAliases collects every identifier a callback may carry for this
// campaign: the canonical id, the raw submitted id and any id-shaped
// metadata values, deduplicated in that order.
func campaignAliases(c models.Campaign, rawID string) []string {
	seen := make(map[string]bool, 4)
	var aliases []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			aliases = append(aliases, s)
		}
	}
	add(c.ID)
	add(rawID)
	for _, key := range []string{"campaignId", "campaign_id", "id"} {
		if s, ok := c.Metadata[key].(string); ok {
			add(s)
		}
	}
	return aliases
}

// flattenSteps orders every task across all groups by declaration order.
func flattenSteps(c models.Campaign) []step {
	var steps []step
	for _, g := range c.TaskGroups {
		for _, t := range g.Tasks {
			steps = append(steps, step{groupID: g.ID, task: t})
		}
	}
	return steps
}
