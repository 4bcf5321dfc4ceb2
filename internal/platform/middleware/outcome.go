package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// writeOutcome sends an OperationOutcome unless the response is already
// committed.
func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, fhir.NewOperationOutcome("error", code, diagnostics))
}
