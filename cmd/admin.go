package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sufrah/wa-gateway/internal/automation"
)

// adminHandler exposes the single operator-facing admin operation this
// gateway needs: the global automation kill switch (spec.md §6). It is
// deliberately not folded into internal/webhook.Handler — that package
// is the tenant-scoped inbound/outbound surface, and this toggle has no
// tenant at all.
type adminHandler struct {
	toggle *automation.Toggle
	token  string
}

func registerAdminRoutes(e *echo.Echo, toggle *automation.Toggle, token string) {
	h := &adminHandler{toggle: toggle, token: token}
	admin := e.Group("/bot", adminBearerAuth(token))
	admin.POST("/toggle", h.handleToggle)
	admin.GET("/status", h.handleStatus)
}

// adminBearerAuth checks a single shared secret rather than a per-tenant
// JWT (webhook.BearerAuth) — this endpoint has no tenant to scope to.
func adminBearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(h, prefix) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(h, prefix)
			if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			return next(c)
		}
	}
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *adminHandler) handleToggle(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.toggle.Set(c.Request().Context(), req.Enabled); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update automation state")
	}
	return c.JSON(http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (h *adminHandler) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"enabled": h.toggle.Enabled()})
}
