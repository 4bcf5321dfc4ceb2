package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotInitialized is returned when a request is attempted without an
// authenticated client.
var ErrNotInitialized = errors.New("fhir: client not initialized")

// Client is the authenticated, patient-scoped request capability produced by
// the SMART launch. The launch handshake itself happens elsewhere.
type Client interface {
	// Request issues a read or search for a path relative to the FHIR base
	// ("Observation?patient=123&code=8867-4") and returns the decoded body.
	Request(ctx context.Context, path string) (map[string]interface{}, error)
	// PatientID is the id of the patient in launch context.
	PatientID() string
}

// RequestError is returned for non-2xx responses.
type RequestError struct {
	StatusCode  int
	Path        string
	Diagnostics string
}

func (e *RequestError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("fhir request %s: status %d: %s", e.Path, e.StatusCode, e.Diagnostics)
	}
	return fmt.Sprintf("fhir request %s: status %d", e.Path, e.StatusCode)
}

// HTTPClient talks to a FHIR server through go-fhir-client with a bearer
// token. Paths carrying a query are sent as searches, bare paths as reads.
type HTTPClient struct {
	patientID string
	http      *http.Client
	rest      fhirclient.Client
	err       error
	tracer    trace.Tracer
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. Its transport is
// wrapped, not replaced.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithTimeout sets the transport-level timeout for every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// NewHTTPClient creates a client rooted at baseURL. token may be empty for
// open sandboxes. An unparsable baseURL surfaces on the first Request.
func NewHTTPClient(baseURL, token, patientID string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		patientID: patientID,
		http:      &http.Client{Timeout: 30 * time.Second},
		tracer:    otel.Tracer("github.com/ehr/medcalc/internal/platform/fhir"),
	}
	for _, o := range opts {
		o(c)
	}

	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err == nil && (base.Scheme == "" || base.Host == "") {
		err = fmt.Errorf("base url %q is not absolute", baseURL)
	}
	if err != nil {
		c.err = fmt.Errorf("fhir client: %w", err)
		return c
	}

	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = &transport{next: next, token: token}
	cfg := fhirclient.DefaultConfig()
	c.rest = fhirclient.New(base, &hc, &cfg)
	return c
}

// PatientID implements Client.
func (c *HTTPClient) PatientID() string { return c.patientID }

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, path string) (map[string]interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "fhir.request", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("fhir.path", path))

	if c.err != nil {
		span.RecordError(c.err)
		return nil, c.err
	}

	ex := &exchange{}
	ctx = context.WithValue(ctx, exchangeKey{}, ex)

	var decoded map[string]interface{}
	err := c.do(ctx, strings.TrimLeft(path, "/"), &decoded)
	if ex.status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", ex.status))
	}
	if ex.status != 0 && (ex.status < 200 || ex.status > 299) {
		rerr := &RequestError{StatusCode: ex.status, Path: path, Diagnostics: ex.diagnostics}
		span.SetStatus(codes.Error, rerr.Error())
		return nil, rerr
	}
	if err != nil {
		span.RecordError(err)
		if ex.status == 0 {
			span.SetStatus(codes.Error, "transport")
		}
		return nil, fmt.Errorf("fhir request %s: %w", path, err)
	}
	return decoded, nil
}

func (c *HTTPClient) do(ctx context.Context, path string, target interface{}) error {
	resourcePath, rawQuery, isSearch := strings.Cut(path, "?")
	if !isSearch {
		return c.rest.ReadWithContext(ctx, resourcePath, target)
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return fmt.Errorf("parse search query: %w", err)
	}
	return c.rest.SearchWithContext(ctx, resourcePath, query, target)
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// exchange carries the status of the last response back to Request so
// non-2xx answers map to RequestError whatever error the REST client
// reports.
type exchange struct {
	status      int
	diagnostics string
}

type exchangeKey struct{}

type transport struct {
	next  http.RoundTripper
	token string
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/fhir+json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	ex, ok := req.Context().Value(exchangeKey{}).(*exchange)
	if !ok {
		return resp, nil
	}
	ex.status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	var outcome map[string]interface{}
	if json.Unmarshal(body, &outcome) == nil {
		ex.diagnostics = OutcomeDiagnostics(outcome)
	}
	return resp, nil
}
