package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/platform/db"
	"github.com/ehr/medcalc/internal/platform/middleware"
	"github.com/ehr/medcalc/internal/platform/websocket"
)

const Version = "0.1.0"

// ServerConfig holds the HTTP-level settings of NewServer.
type ServerConfig struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
	BodyLimit      string
	// HSTS adds Strict-Transport-Security to TLS responses.
	HSTS bool
	// AuditDB backs the audit database health check. May be nil.
	AuditDB db.Checker
	// Feed serves live staleness banner updates. May be nil.
	Feed *websocket.Hub
}

// NewServer assembles the echo instance with middleware and routes.
func NewServer(h *Handler, cfg ServerConfig, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.HSTS))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.AuditDB))

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/cache/clean", "/api/v1/staleness/feed"),
	)
	h.RegisterRoutes(apiV1)
	if cfg.Feed != nil {
		apiV1.GET("/staleness/feed", websocket.Handler(cfg.Feed, cfg.CORSOrigins))
	}
	return e
}
