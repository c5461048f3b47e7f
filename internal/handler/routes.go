package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgejo-gateway/internal/config"
	"forgejo-gateway/internal/metrics"
	"forgejo-gateway/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Local
// routes are registered as static paths, which Echo matches before the
// catch-all, so they never reach the upstream.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	local := middleware.LocalHeaders()

	e.GET("/health", health.Health, local)

	if cfg.Debug.Enabled {
		e.GET("/_debug/forgejo-status", health.ForgeStatus, local)
		e.GET("/_debug/gateway-status", health.GatewayStatus, local)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), local)
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Any covers only Echo's fixed method list; WebDAV and other extension
	// methods land here instead of getting a 405.
	e.RouteNotFound("/*", proxy.Handle)
}
