package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders adds standard security headers to all responses.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestLogger logs one line per request after the handler returns.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := 0
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = resp.Status
			}
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			slog.Info("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// apiKeyAuth guards a route group with the pre-shared key carried raw in
// the Authorization header. A missing header is rejected before the key
// comparison so the two failure modes stay distinguishable to clients.
func (s *Server) apiKeyAuth() echo.MiddlewareFunc {
	key := []byte(s.apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			got := c.Request().Header.Get("Authorization")
			if got == "" {
				return echo.NewHTTPError(http.StatusForbidden, "not authenticated")
			}
			if subtle.ConstantTimeCompare([]byte(got), key) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or incorrect API key provided")
			}
			return next(c)
		}
	}
}
