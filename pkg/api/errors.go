package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sciops/campaignd/pkg/orchestrator"
)

// mapOrchestratorError maps core errors to HTTP error responses.
// Validation failures are handled in the submit handler so the response
// body can be the bare list of problems.
func mapOrchestratorError(err error) *echo.HTTPError {
	if errors.Is(err, orchestrator.ErrAlreadyRegistered) {
		return echo.NewHTTPError(http.StatusConflict, "campaign already registered")
	}
	if errors.Is(err, orchestrator.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
	}

	// Unexpected error
	slog.Error("Unexpected orchestrator error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
