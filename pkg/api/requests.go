package api

import (
	"encoding/json"

	"github.com/sciops/campaignd/pkg/models"
)

// startCampaignRequest is the submitted campaign document. The graph
// fields never appear on a task group campaign; when present the body
// is an ICMP document, which this endpoint rejects.
type startCampaignRequest struct {
	models.Campaign
	Nodes []json.RawMessage `json:"nodes,omitempty"`
	Edges []json.RawMessage `json:"edges,omitempty"`
}
