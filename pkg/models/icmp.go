package models

import "time"

// Capability describes a remote capability as registered with iHub.
type Capability struct {
	Name                 string         `json:"name"`
	CreatedAt            time.Time      `json:"created_at"`
	LastLifecycleMessage *time.Time     `json:"last_lifecycle_message,omitempty"`
	ServiceID            int            `json:"service_id"`
	EndpointsSchema      map[string]any `json:"endpoints_schema"`
}

// CapabilityData binds a capability to the endpoint an ICMP node invokes.
// UI-only traits on the upstream documents (position, measured, selected,
// dragging) are intentionally not modeled.
type CapabilityData struct {
	Capability      Capability     `json:"capability"`
	Endpoint        string         `json:"endpoint"`
	EndpointChannel map[string]any `json:"endpoint_channel"`
}

// ICMPNode is one capability invocation in an ICMP graph.
type ICMPNode struct {
	ID   string         `json:"id"`
	Type string         `json:"type"` // always "capability"
	Data CapabilityData `json:"data"`
}

// ICMPEdge connects ICMP nodes. The upstream format carries no edge
// payload.
type ICMPEdge struct{}

// ICMP is the iHub campaign document. The orchestrator does not execute
// ICMP graphs; submissions in this format are rejected at the HTTP
// boundary.
type ICMP struct {
	Nodes    []ICMPNode     `json:"nodes"`
	Edges    []ICMPEdge     `json:"edges"`
	Metadata map[string]any `json:"metadata"`
}

// IsICMP reports whether a decoded submission body looks like an ICMP
// document rather than a campaign (node/edge keys instead of task_groups).
func IsICMP(body map[string]any) bool {
	_, hasNodes := body["nodes"]
	_, hasEdges := body["edges"]
	_, hasGroups := body["task_groups"]
	return hasNodes && hasEdges && !hasGroups
}
