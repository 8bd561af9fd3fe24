package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// healthProbeID is a campaign id that never exists; looking it up
// exercises the store round trip without touching real data.
const healthProbeID = "00000000-0000-0000-0000-000000000000"

// pingHandler handles GET /ping. Liveness only.
func (s *Server) pingHandler(c *echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// healthcheckHandler handles GET /healthcheck.
// Returns a JSON array of problem strings; an empty array means every
// dependency answered. Always 200 so probes distinguish "unhealthy"
// from "unreachable".
func (s *Server) healthcheckHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	problems := []string{}
	if s.broker == nil || !s.broker.IsConnected() {
		problems = append(problems, "broker connection is down")
	}
	if _, err := s.store.CampaignExists(reqCtx, healthProbeID); err != nil {
		problems = append(problems, "campaign store unreachable: "+err.Error())
	}
	return c.JSON(http.StatusOK, problems)
}
