package broker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultContentType is assumed when step metadata declares none.
const DefaultContentType = "application/octet-stream"

// overlayHeaderKeys are copied from step metadata into the outgoing
// headers when not already set by an explicit headers dict.
var overlayHeaderKeys = []string{
	"source",
	"destination",
	"created_at",
	"sdk_version",
	"data_handler",
	"has_error",
	"campaignId",
	"nodeId",
}

// topicAssemblyKeys build a topic when neither an explicit topic nor a
// service hierarchy is given. All five must be present, in this order.
var topicAssemblyKeys = []string{"organization", "facility", "system", "subsystem", "service"}

// PublishRequest is the resolved set of publish parameters for one step.
type PublishRequest struct {
	Topic       string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Persist     bool
}

// ResolvePublish derives broker publish parameters from one step's
// metadata: headers first (explicit dict, metadata overlay, defaults,
// required-key check), then the topic (explicit, service hierarchy, or
// assembled from the organization..service fields), with destination
// defaulting to the topic, then the body and content type. Step
// dispatches are always persistent.
func ResolvePublish(meta map[string]any) (PublishRequest, error) {
	headers, err := resolveHeaders(meta)
	if err != nil {
		return PublishRequest{}, err
	}

	topic, err := resolveTopic(meta, headers)
	if err != nil {
		return PublishRequest{}, err
	}
	if _, ok := headers["destination"]; !ok {
		headers["destination"] = topic
	}

	body, contentType, err := resolvePayload(meta)
	if err != nil {
		return PublishRequest{}, err
	}

	return PublishRequest{
		Topic:       topic,
		Body:        body,
		ContentType: contentType,
		Headers:     headers,
		Persist:     true,
	}, nil
}

// resolveHeaders merges the metadata's headers dict with the overlay
// selection, fills the created_at and has_error defaults, and requires
// source and sdk_version before normalizing every value to a string.
func resolveHeaders(meta map[string]any) (map[string]string, error) {
	raw := make(map[string]any)
	for _, key := range []string{"headers", "header"} {
		if m, ok := meta[key].(map[string]any); ok && len(m) > 0 {
			for k, v := range m {
				raw[k] = v
			}
			break
		}
	}

	for _, key := range overlayHeaderKeys {
		if _, taken := raw[key]; taken {
			continue
		}
		if v, ok := meta[key]; ok && v != nil {
			raw[key] = v
		}
	}

	if _, ok := raw["created_at"]; !ok {
		raw["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	if _, ok := raw["has_error"]; !ok {
		raw["has_error"] = false
	}

	var missing []string
	for _, key := range []string{"source", "sdk_version"} {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w for step: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}

	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[k] = normalizeHeaderValue(v)
	}
	return headers, nil
}

// resolveTopic picks the first rule that produces a topic: an explicit
// topic field, a five-part service hierarchy (from metadata or the
// resolved source header) suffixed with /response, or the assembled
// organization..service fields.
func resolveTopic(meta map[string]any, headers map[string]string) (string, error) {
	if topic, ok := meta["topic"].(string); ok && topic != "" {
		return topic, nil
	}

	hierarchy, _ := meta["service_hierarchy"].(string)
	if hierarchy == "" {
		hierarchy, _ = meta["source"].(string)
	}
	if hierarchy == "" {
		hierarchy = headers["source"]
	}
	if parts := splitHierarchy(hierarchy); parts != nil {
		return strings.Join(append(parts, "response"), "/"), nil
	}

	parts := make([]string, 0, len(topicAssemblyKeys))
	for _, key := range topicAssemblyKeys {
		value, ok := meta[key].(string)
		if !ok || value == "" {
			break
		}
		parts = append(parts, value)
	}
	if len(parts) == len(topicAssemblyKeys) {
		return strings.Join(append(parts, "response"), "/"), nil
	}

	return "", ErrNoTopic
}

// splitHierarchy splits a service hierarchy on / when present, else on
// dots, dropping empty segments. Anything but exactly five parts is not
// a hierarchy.
func splitHierarchy(value string) []string {
	if value == "" {
		return nil
	}
	sep := "."
	if strings.Contains(value, "/") {
		sep = "/"
	}
	parts := make([]string, 0, 5)
	for _, part := range strings.Split(value, sep) {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) != 5 {
		return nil
	}
	return parts
}

// resolvePayload encodes the step body from the first of the payload,
// input, and data keys: bytes pass through, strings are UTF-8, anything
// else is JSON with the default content type upgraded to match.
func resolvePayload(meta map[string]any) ([]byte, string, error) {
	contentType := DefaultContentType
	for _, key := range []string{"content_type", "contentType"} {
		if value, ok := meta[key].(string); ok && value != "" {
			contentType = value
			break
		}
	}

	var raw any
	found := false
	for _, key := range []string{"payload", "input", "data"} {
		if value, ok := meta[key]; ok {
			raw = value
			found = true
			break
		}
	}
	if !found || raw == nil {
		return nil, contentType, nil
	}

	switch value := raw.(type) {
	case []byte:
		return value, contentType, nil
	case string:
		return []byte(value), contentType, nil
	}

	body, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encoding step payload: %v", ErrResolution, err)
	}
	if contentType == DefaultContentType {
		contentType = "application/json"
	}
	return body, contentType, nil
}

// normalizeHeaderValue renders a header value for the wire. Booleans
// serialize as "true"/"false" per the message contract.
func normalizeHeaderValue(v any) string {
	if b, ok := v.(bool); ok {
		if b {
			return "true"
		}
		return "false"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
