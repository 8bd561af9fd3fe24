package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/sciops/campaignd/pkg/orchestrator"
)

// startCampaignHandler handles POST /v1/orchestrator/start_campaign.
// Registers the campaign and dispatches its first step before returning.
func (s *Server) startCampaignHandler(c *echo.Context) error {
	// 1. Decode the campaign document
	var req startCampaignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity,
			[]string{"invalid campaign document: " + err.Error()})
	}

	// 2. Reject ICMP graph documents
	if len(req.Nodes) > 0 || len(req.Edges) > 0 {
		return c.JSON(http.StatusUnprocessableEntity,
			[]string{"ICMP campaign documents are not supported; submit a task group campaign"})
	}

	// 3. Submit to the core
	id, err := s.orc.Submit(c.Request().Context(), req.Campaign)
	if err != nil {
		var validErr *orchestrator.ValidationError
		if errors.As(err, &validErr) {
			return c.JSON(http.StatusUnprocessableEntity, validErr.Problems)
		}
		return mapOrchestratorError(err)
	}

	// 4. Return the canonical id
	return c.JSON(http.StatusOK, &StartCampaignResponse{CampaignID: id})
}

// stopCampaignHandler handles POST /v1/orchestrator/stop_campaign.
// The body is a JSON-encoded uuid string naming the campaign to cancel.
func (s *Server) stopCampaignHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body: "+err.Error())
	}

	var ref string
	if err := json.Unmarshal(body, &ref); err != nil {
		return c.JSON(http.StatusUnprocessableEntity,
			[]string{"request body must be a JSON-encoded uuid string"})
	}
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity,
			[]string{"request body must be a JSON-encoded uuid string"})
	}

	if !s.orc.Cancel(c.Request().Context(), id.String()) {
		return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
	}
	return c.JSON(http.StatusOK, id.String())
}
