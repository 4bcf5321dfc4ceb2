package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Audit database health states.
const (
	StatusDisabled  = "disabled"
	StatusHealthy   = "healthy"
	StatusPending   = "pending-migrations"
	StatusUnhealthy = "unhealthy"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Checker is what the audit health check inspects. *AuditDB implements it.
type Checker interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
	Migrations(ctx context.Context) ([]MigrationStatus, error)
}

// SchemaHealth summarizes the audit schema migrations.
type SchemaHealth struct {
	Applied int      `json:"applied"`
	Latest  int      `json:"latest"`
	Pending []string `json:"pending,omitempty"`
}

// Health is the body of /health/db.
type Health struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Pool   *PoolStats    `json:"pool,omitempty"`
	Schema *SchemaHealth `json:"schema,omitempty"`
}

// Check reports on the audit database. A nil Checker means audit events and
// provenance are only logged. Pending migrations count as unavailable since
// audit inserts would fail.
func Check(ctx context.Context, d Checker) (Health, int) {
	if d == nil {
		return Health{Status: StatusDisabled}, http.StatusOK
	}

	h := Health{Pool: d.Stats()}
	if err := d.Ping(ctx); err != nil {
		h.Pool.Healthy = false
		h.Status, h.Error = StatusUnhealthy, err.Error()
		return h, http.StatusServiceUnavailable
	}

	statuses, err := d.Migrations(ctx)
	if err != nil {
		h.Status, h.Error = StatusUnhealthy, err.Error()
		return h, http.StatusServiceUnavailable
	}
	schema := &SchemaHealth{}
	for _, st := range statuses {
		if !st.Applied {
			schema.Pending = append(schema.Pending, st.Name)
			continue
		}
		schema.Applied++
		if st.Version > schema.Latest {
			schema.Latest = st.Version
		}
	}
	h.Schema = schema
	if len(schema.Pending) > 0 {
		h.Status = StatusPending
		return h, http.StatusServiceUnavailable
	}
	h.Status = StatusHealthy
	return h, http.StatusOK
}

// HealthHandler serves Check.
func HealthHandler(d Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h, status := Check(ctx, d)
		return c.JSON(status, h)
	}
}
