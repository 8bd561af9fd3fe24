package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sciops/campaignd/pkg/events"
)

// HandleBrokerMessage implements broker.MessageSink. It resolves an inbound
// callback to a live campaign and its active step, then either fails the
// campaign (the service reported an error), completes the step and
// dispatches the next one, or drops the message. Unattributable and stale
// callbacks are dropped without effect.
func (o *Orchestrator) HandleBrokerMessage(body []byte, contentType string, headers map[string]string) {
	payload := parseJSON(body)

	campaignRef := extractCampaignRef(headers, payload)
	if campaignRef == "" {
		slog.Debug("Dropping broker message without campaign reference")
		return
	}

	hasError, hasErrorKnown := parseHasError(headers["has_error"])

	o.mu.Lock()
	id, ok := o.aliases[campaignRef]
	if !ok {
		id = campaignRef
	}
	lc, live := o.campaigns[id]
	if !live {
		o.mu.Unlock()
		slog.Debug("Dropping broker message for unknown campaign", "campaign", campaignRef)
		return
	}
	nodeRef := extractNodeRef(headers, payload)
	if lc.active == "" || nodeRef == "" || !sameStep(nodeRef, lc.active) {
		o.mu.Unlock()
		slog.Debug("Dropping broker message for inactive step",
			"campaign_id", id, "node", nodeRef, "active_step", lc.active)
		return
	}
	stepID := lc.active
	failed := hasErrorKnown && hasError
	claimed := false
	if !failed && stepComplete(hasError, hasErrorKnown, payload) {
		lc.active = ""
		lc.cursor++
		claimed = true
	}
	o.mu.Unlock()

	ctx := context.Background()
	if failed {
		o.serviceError(ctx, lc, stepID, serviceHierarchy(headers, payload), errorMessage(payload))
		return
	}
	if !claimed {
		return
	}

	if _, err := o.reducer.RecordStepComplete(ctx, lc.id, stepID, nil); err != nil {
		slog.Error("Recording step completion", "campaign_id", lc.id, "step_id", stepID, "error", err)
	}
	o.emit(lc.id, events.NewStepComplete(stepID))
	o.startNextStep(ctx, lc)
}

// parseJSON decodes a JSON object body. Invalid JSON or a non-object
// document yields an empty map so header-only callbacks still resolve.
func parseJSON(body []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return map[string]any{}
	}
	return payload
}

// candidateHeaders gathers header-shaped objects embedded in the payload,
// where SDK clients place message attribution.
func candidateHeaders(payload map[string]any) []map[string]any {
	var found []map[string]any
	for _, key := range []string{"header", "headers", "parent_header"} {
		if m, ok := payload[key].(map[string]any); ok {
			found = append(found, m)
		}
	}
	return found
}

// extractCampaignRef finds the campaign a message talks about: broker
// headers first, then embedded header objects, then the payload itself.
func extractCampaignRef(headers map[string]string, payload map[string]any) string {
	for _, key := range []string{"campaignId", "campaign_id", "id"} {
		if v := headers[key]; v != "" {
			return v
		}
	}
	for _, h := range candidateHeaders(payload) {
		if s, ok := h["campaignId"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := payload["campaignId"].(string); ok {
		return s
	}
	return ""
}

// extractNodeRef finds the step a message answers, looked up the same way
// as the campaign reference. A list value collapses to its first element.
func extractNodeRef(headers map[string]string, payload map[string]any) string {
	for _, key := range []string{"nodeId", "node_id"} {
		if v := headers[key]; v != "" {
			return v
		}
	}
	for _, h := range candidateHeaders(payload) {
		if ref := nodeRefValue(h["nodeId"]); ref != "" {
			return ref
		}
	}
	return nodeRefValue(payload["nodeId"])
}

func nodeRefValue(v any) string {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sameStep compares step references, tolerating UUID formatting variants.
func sameStep(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	return errA == nil && errB == nil && ua == ub
}

// parseHasError interprets the broker-level has_error header. The second
// return is false when the header is absent or not a recognizable boolean.
func parseHasError(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

// stepComplete decides whether a non-error message completes the active
// step: an explicit broker-level has_error=false does; otherwise a boolean
// has_error inside an embedded header object decides; otherwise the message
// is only noise.
func stepComplete(hasError, known bool, payload map[string]any) bool {
	if known {
		return !hasError
	}
	for _, h := range candidateHeaders(payload) {
		if b, ok := h["has_error"].(bool); ok {
			return !b
		}
	}
	return false
}

// serviceHierarchy names the service that reported an error, falling back
// through broker headers and embedded header objects.
func serviceHierarchy(headers map[string]string, payload map[string]any) string {
	if s := headers["source"]; s != "" {
		return s
	}
	for _, h := range candidateHeaders(payload) {
		if s, ok := h["source"].(string); ok && s != "" {
			return s
		}
	}
	return "unknown-service"
}

// errorMessage extracts the failure text from an error callback: the
// payload field, else content, else the whole document.
func errorMessage(payload map[string]any) string {
	if msg := messageText(payload["payload"]); msg != "" {
		return msg
	}
	if msg := messageText(payload["content"]); msg != "" {
		return msg
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(b)
}

// messageText renders one message-text candidate. Empty values yield "" so
// the caller falls through to the next candidate.
func messageText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		if len(val) == 0 {
			return ""
		}
	case []any:
		if len(val) == 0 {
			return ""
		}
	case bool:
		if !val {
			return ""
		}
	case float64:
		if val == 0 {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
