package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const hstsMaxAge = 365 * 24 * 60 * 60

// SecurityHeaders wraps echo's Secure middleware for a JSON API that serves
// patient data: responses are never framed, sniffed or stored by caches.
// With hsts, TLS responses (direct or behind a proxy) carry
// Strict-Transport-Security.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	cfg := echomw.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}
	if hsts {
		cfg.HSTSMaxAge = hstsMaxAge
	}
	secure := echomw.SecureWithConfig(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := secure(next)
		return func(c echo.Context) error {
			header := c.Response().Header()
			header.Set("Cache-Control", "no-store")
			header.Set("Pragma", "no-cache")
			return h(c)
		}
	}
}
