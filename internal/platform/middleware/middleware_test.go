package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Fatalf("expected OperationOutcome, got %v", outcome["resourceType"])
	}
	return outcome
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

// =========== RequestID ===========

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return ok(c)
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	_ = RequestID()(ok)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("x", 200))

	_ = RequestID()(ok)(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected generated uuid, got %q", got)
	}
}

// =========== Logger ===========

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/patient", nil)
	c.Set("request_id", "req-1")
	c.Set("patient_id", "p1")

	if err := Logger(zerolog.New(&buf))(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if line["request_id"] != "req-1" || line["patient_id"] != "p1" || line["component"] != "http" {
		t.Errorf("unexpected log fields %v", line)
	}
	if line["status"] != float64(200) || line["level"] != "info" {
		t.Errorf("unexpected status/level %v", line)
	}
}

func TestLogger_RendersHandlerError(t *testing.T) {
	var buf bytes.Buffer
	c, rec := newContext(http.MethodGet, "/missing", nil)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err := Logger(zerolog.New(&buf))(handler)(c); err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected error level, got %s", buf.String())
	}
}

// =========== Recovery ===========

func TestRecovery_CatchesPanic(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/panic", nil)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	decodeOutcome(t, rec)
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/ok", nil)
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// =========== RequestTimeout ===========

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/observations/8310-5", nil)

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected context to have a deadline")
		}
		return ok(c)
	}
	if err := RequestTimeout(5 * time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/observations/8310-5", nil)

	handler := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}

	if err := RequestTimeout(50 * time.Millisecond)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", rec.Code)
	}
	decodeOutcome(t, rec)
}

func TestRequestTimeout_SkipsPrefixes(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/api/v1/cache/clean", nil)

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline for skipped path")
		}
		return ok(c)
	}
	if err := RequestTimeout(50*time.Millisecond, "/api/v1/cache")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/api/v1/patient", nil)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	err := RequestTimeout(5 * time.Second)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}

// =========== BodyLimit ===========

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	c, rec := newContext(http.MethodPost, "/api/v1/populate", strings.NewReader(strings.Repeat("a", 2048)))

	called := false
	handler := func(c echo.Context) error {
		called = true
		return ok(c)
	}
	if err := BodyLimit("1K")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("handler should not run")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	decodeOutcome(t, rec)
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, rec := newContext(http.MethodPost, "/api/v1/populate", strings.NewReader(`{"a":1}`))

	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, string(b))
	}
	if err := BodyLimit("1K")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != `{"a":1}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":      1 << 20,
		"512":   512,
		"64K":   64 << 10,
		"64kb":  64 << 10,
		"2M":    2 << 20,
		"1G":    1 << 30,
		"bogus": 1 << 20,
		"-5":    1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

// =========== SecurityHeaders ===========

func TestSecurityHeaders_SetsHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/patient", nil)

	if err := SecurityHeaders(false)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Pragma":                  "no-cache",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS when disabled, got %q", got)
	}
}

func TestSecurityHeaders_HSTSBehindTLSProxy(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/patient", nil)
	c.Request().Header.Set(echo.HeaderXForwardedProto, "https")

	if err := SecurityHeaders(true)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=31536000") {
		t.Errorf("unexpected HSTS header %q", got)
	}

	c, rec = newContext(http.MethodGet, "/api/v1/patient", nil)
	if err := SecurityHeaders(true)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS over plain http, got %q", got)
	}
}
