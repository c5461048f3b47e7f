package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"forgejo-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// VersionProber fetches the upstream forge's version document.
type VersionProber interface {
	ForgeVersion(ctx context.Context) (any, error)
}

// HealthHandler serves the gateway's own health and diagnostic endpoints.
// None of them are forwarded upstream.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	prober  VersionProber
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, prober VersionProber) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, prober: prober}
}

// Health reports liveness of the gateway itself, whatever the upstream state.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// GatewayStatus returns build and policy information for this instance.
func (h *HealthHandler) GatewayStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"upstream_url":    h.cfg.Upstream.BaseURL,
		"forward_headers": h.cfg.Proxy.ForwardHeaders,
		"secure_cookies":  h.cfg.Proxy.SecureCookies,
	})
}

// ForgeStatus asks the upstream for /api/v1/version. Failures are reported
// in the body with status 200 so the endpoint stays usable while the
// upstream is down.
func (h *HealthHandler) ForgeStatus(c echo.Context) error {
	v, err := h.prober.ForgeVersion(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusOK, map[string]string{
			"error": sanitizeError(err),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"forgejo": v,
	})
}
