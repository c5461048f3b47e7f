package middleware

import (
	"github.com/labstack/echo/v4"
)

// LocalHeaders returns an Echo middleware for routes the gateway answers
// itself. Proxied responses keep exactly the headers the upstream sent, so
// this must not be installed globally.
func LocalHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderCacheControl, "no-store")

			return next(c)
		}
	}
}
