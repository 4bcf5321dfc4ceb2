package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func unavailable(msg string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, msg)
}

var issueCodes = map[int]string{
	http.StatusBadRequest:            "invalid",
	http.StatusNotFound:              "not-found",
	http.StatusMethodNotAllowed:      "not-supported",
	http.StatusRequestEntityTooLarge: "too-costly",
	http.StatusServiceUnavailable:    "transient",
	http.StatusGatewayTimeout:        "timeout",
}

// ErrorHandler renders every error as an OperationOutcome.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		msg := "internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		code, ok := issueCodes[status]
		if !ok {
			code = "processing"
			if status >= 500 {
				code = "exception"
			}
		}
		outcome := fhir.NewOperationOutcome("error", code, msg)
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, outcome)
	}
}
