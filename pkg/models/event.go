package models

import "time"

// EventType identifies a stored campaign event.
type EventType string

// Stored event types, appended by the reducer as execution progresses.
const (
	EventCampaignStarted       EventType = "CAMPAIGN_STARTED"
	EventTaskGroupStarted      EventType = "TASK_GROUP_STARTED"
	EventTaskCompleted         EventType = "TASK_COMPLETED"
	EventTaskGroupCompleted    EventType = "TASK_GROUP_COMPLETED"
	EventTaskGroupObjectiveMet EventType = "TASK_GROUP_OBJECTIVE_MET"
	EventCampaignCompleted     EventType = "CAMPAIGN_COMPLETED"
	EventCampaignCancelled     EventType = "CAMPAIGN_CANCELLED"
	EventCampaignError         EventType = "CAMPAIGN_ERROR"
	EventTaskEventReceived     EventType = "TASK_EVENT_RECEIVED"
	EventStepStart             EventType = "STEP_START"
	EventStepComplete          EventType = "STEP_COMPLETE"
)

// Event is one entry in a campaign's append-only log. Seq is a strictly
// increasing per-campaign integer starting at 1; a gap or duplicate is a
// store-level invariant violation.
type Event struct {
	EventID    string         `json:"event_id"`
	CampaignID string         `json:"campaign_id"`
	Seq        int            `json:"seq"`
	EventType  EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Snapshot is the latest reduced view of a campaign. Version equals the
// seq of the last event applied; a fresh campaign starts at version 0.
type Snapshot struct {
	CampaignID string        `json:"campaign_id"`
	Version    int           `json:"version"`
	State      CampaignState `json:"state"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
