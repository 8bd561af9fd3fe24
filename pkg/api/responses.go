package api

// StartCampaignResponse acknowledges a registered campaign with its
// canonical id. Clients correlate event stream envelopes against it.
type StartCampaignResponse struct {
	CampaignID string `json:"campaign_id"`
}
