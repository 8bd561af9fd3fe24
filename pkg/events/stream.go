package events

import "github.com/sciops/campaignd/pkg/models"

// Stream event types pushed to observers. The set is closed; clients
// switch on event_type to decode the rest of the event object.
const (
	EventTypeStepStart                = "STEP_START"
	EventTypeStepComplete             = "STEP_COMPLETE"
	EventTypeCampaignComplete         = "CAMPAIGN_COMPLETE"
	EventTypeReadyForInput            = "READY_FOR_INPUT"
	EventTypeCampaignErrorFromService = "CAMPAIGN_ERROR_FROM_SERVICE"
	EventTypeCampaignErrorSchema      = "CAMPAIGN_ERROR_SCHEMA"
	EventTypeUnknownError             = "UNKNOWN_ERROR"
)

// Envelope is the single JSON object pushed per event. Event is one of
// the payload structs below, or a surfaced stored event via FromStored.
type Envelope struct {
	CampaignID string `json:"campaign_id"`
	Event      any    `json:"event"`
}

// StepStartPayload announces that a campaign step has been dispatched.
type StepStartPayload struct {
	EventType string `json:"event_type"` // always EventTypeStepStart
	StepID    string `json:"step_id"`
}

// NewStepStart builds the STEP_START event for one step.
func NewStepStart(stepID string) StepStartPayload {
	return StepStartPayload{EventType: EventTypeStepStart, StepID: stepID}
}

// StepCompletePayload announces that a campaign step has completed.
type StepCompletePayload struct {
	EventType string `json:"event_type"` // always EventTypeStepComplete
	StepID    string `json:"step_id"`
}

// NewStepComplete builds the STEP_COMPLETE event for one step.
func NewStepComplete(stepID string) StepCompletePayload {
	return StepCompletePayload{EventType: EventTypeStepComplete, StepID: stepID}
}

// CampaignCompletePayload announces successful completion; it coincides
// with the campaign's removal from the live table.
type CampaignCompletePayload struct {
	EventType string `json:"event_type"` // always EventTypeCampaignComplete
}

// NewCampaignComplete builds the CAMPAIGN_COMPLETE event.
func NewCampaignComplete() CampaignCompletePayload {
	return CampaignCompletePayload{EventType: EventTypeCampaignComplete}
}

// ReadyForInputPayload asks the user to fill in fields before execution
// continues.
type ReadyForInputPayload struct {
	EventType string `json:"event_type"` // always EventTypeReadyForInput
	// FieldsToPopulate lists the paths needing user input.
	FieldsToPopulate []string `json:"fields_to_populate"`
}

// NewReadyForInput builds the READY_FOR_INPUT event.
func NewReadyForInput(fields []string) ReadyForInputPayload {
	return ReadyForInputPayload{EventType: EventTypeReadyForInput, FieldsToPopulate: fields}
}

// CampaignErrorFromServicePayload reports an error message sent back by a
// remote service. Emitting it stops the campaign.
type CampaignErrorFromServicePayload struct {
	EventType string `json:"event_type"` // always EventTypeCampaignErrorFromService
	StepID    string `json:"step_id"`
	// ServiceHierarchy is the URI of the service that caused the error.
	ServiceHierarchy string `json:"service_hierarchy"`
	ExceptionMessage string `json:"exception_message"`
}

// NewCampaignErrorFromService builds the CAMPAIGN_ERROR_FROM_SERVICE event.
func NewCampaignErrorFromService(stepID, serviceHierarchy, exceptionMessage string) CampaignErrorFromServicePayload {
	return CampaignErrorFromServicePayload{
		EventType:        EventTypeCampaignErrorFromService,
		StepID:           stepID,
		ServiceHierarchy: serviceHierarchy,
		ExceptionMessage: exceptionMessage,
	}
}

// CampaignErrorSchemaPayload reports that one service's output could not
// be converted to the next service's input schema. Emitting it stops the
// campaign.
type CampaignErrorSchemaPayload struct {
	EventType        string `json:"event_type"` // always EventTypeCampaignErrorSchema
	StepID           string `json:"step_id"`
	ExceptionMessage string `json:"exception_message"`
}

// NewCampaignErrorSchema builds the CAMPAIGN_ERROR_SCHEMA event.
func NewCampaignErrorSchema(stepID, exceptionMessage string) CampaignErrorSchemaPayload {
	return CampaignErrorSchemaPayload{
		EventType:        EventTypeCampaignErrorSchema,
		StepID:           stepID,
		ExceptionMessage: exceptionMessage,
	}
}

// UnknownErrorPayload reports a campaign that cannot proceed for reasons
// outside any one service: broker failures, unresolvable steps, internal
// faults.
type UnknownErrorPayload struct {
	EventType        string `json:"event_type"` // always EventTypeUnknownError
	ExceptionMessage string `json:"exception_message"`
}

// NewUnknownError builds the UNKNOWN_ERROR event.
func NewUnknownError(exceptionMessage string) UnknownErrorPayload {
	return UnknownErrorPayload{EventType: EventTypeUnknownError, ExceptionMessage: exceptionMessage}
}

// FromStored shapes a stored reducer event for the stream envelope:
// event_type and seq, then the payload fields alongside.
func FromStored(e models.Event) map[string]any {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event_type"] = string(e.EventType)
	out["seq"] = e.Seq
	return out
}
