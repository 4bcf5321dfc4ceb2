// Package api exposes the clinical data layer over HTTP.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/audit"
	"github.com/ehr/medcalc/internal/cache"
	"github.com/ehr/medcalc/internal/clinicaldata"
	"github.com/ehr/medcalc/internal/platform/fhir"
	"github.com/ehr/medcalc/internal/provenance"
	"github.com/ehr/medcalc/internal/units"
	"github.com/ehr/medcalc/pkg/pagination"
)

// ClientFactory builds a FHIR client for a launch context.
type ClientFactory func(patientID, accessToken string) fhir.Client

// Handler serves the calculator data API.
type Handler struct {
	data       *clinicaldata.Service
	cache      *cache.Manager
	converter  *units.Converter
	audit      *audit.Service
	provenance *provenance.Service
	newClient  ClientFactory
	logger     zerolog.Logger
}

// Deps are the collaborators of a Handler. Audit, Provenance and NewClient
// may be nil; the routes depending on them then answer 503.
type Deps struct {
	Data       *clinicaldata.Service
	Cache      *cache.Manager
	Converter  *units.Converter
	Audit      *audit.Service
	Provenance *provenance.Service
	NewClient  ClientFactory
	Logger     zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Converter == nil {
		d.Converter = units.NewConverter()
	}
	return &Handler{
		data:       d.Data,
		cache:      d.Cache,
		converter:  d.Converter,
		audit:      d.Audit,
		provenance: d.Provenance,
		newClient:  d.NewClient,
		logger:     d.Logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/observations/:code", h.GetObservation)
	api.GET("/observations/:code/history", h.GetObservationHistory)
	api.POST("/populate", h.Populate)
	api.GET("/conditions", h.GetConditions)
	api.GET("/medications", h.GetMedications)
	api.GET("/patient", h.GetPatient)
	api.PUT("/context", h.SetContext)

	api.GET("/staleness", h.GetStaleness)
	api.DELETE("/staleness/:fieldId", h.ClearStaleness)

	api.GET("/cache/stats", h.CacheStats)
	api.POST("/cache/clean", h.CleanCache)
	api.DELETE("/cache/patients/:id", h.ClearPatientCache)
	api.DELETE("/cache/:class", h.ClearCache)

	api.POST("/audit/access", h.LogAccess)
	api.POST("/provenance/calculations", h.RecordCalculation)
	api.GET("/provenance", h.ListProvenance)
	api.GET("/compliance/stats", h.ComplianceStats)

	api.GET("/units/convert", h.ConvertUnits)
	api.GET("/units", h.ListUnits)
}

// ---------------------------------------------------------------------------
// Observations

func (h *Handler) GetObservation(c echo.Context) error {
	code := c.Param("code")
	if err := clinicaldata.ValidateCode(code); err != nil {
		return badRequest(err.Error())
	}
	skip, _ := strconv.ParseBool(c.QueryParam("skipCache"))
	opts := clinicaldata.Options{
		TargetUnit:     c.QueryParam("targetUnit"),
		SkipCache:      skip,
		FieldID:        c.QueryParam("fieldId"),
		Label:          c.QueryParam("label"),
		ComponentCode:  c.QueryParam("component"),
		TrackStaleness: c.QueryParam("fieldId") != "",
	}
	c.Set("patient_id", h.data.PatientID())

	res := h.data.GetObservation(c.Request().Context(), code, opts)
	if !res.Found() {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("no observation for "+code))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetObservationHistory(c echo.Context) error {
	code := c.Param("code")
	if err := clinicaldata.ValidateCode(code); err != nil {
		return badRequest(err.Error())
	}
	count := 10
	if v := c.QueryParam("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return badRequest("count must be between 1 and 100")
		}
		count = n
	}
	results := h.data.GetObservations(c.Request().Context(), code, count, clinicaldata.Options{
		TargetUnit: c.QueryParam("targetUnit"),
	})
	return c.JSON(http.StatusOK, results)
}

type populateRequest struct {
	Requirements []clinicaldata.Requirement `json:"requirements"`
}

func (h *Handler) Populate(c echo.Context) error {
	var req populateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if len(req.Requirements) == 0 {
		return badRequest("requirements must not be empty")
	}
	for _, r := range req.Requirements {
		if r.FieldID == "" {
			return badRequest("every requirement needs a fieldId")
		}
		if err := clinicaldata.ValidateCode(r.Code); err != nil {
			return badRequest(r.FieldID + ": " + err.Error())
		}
	}
	results := h.data.AutoPopulateFromRequirements(c.Request().Context(), req.Requirements)
	return c.JSON(http.StatusOK, results)
}

// ---------------------------------------------------------------------------
// Conditions, medications, patient

func (h *Handler) GetConditions(c echo.Context) error {
	return c.JSON(http.StatusOK, searchBundle(c, h.data.GetConditions(c.Request().Context(), splitCodes(c.QueryParam("codes"))...)))
}

func (h *Handler) GetMedications(c echo.Context) error {
	return c.JSON(http.StatusOK, searchBundle(c, h.data.GetMedications(c.Request().Context(), splitCodes(c.QueryParam("codes"))...)))
}

type patientResponse struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name,omitempty"`
	Gender  string                 `json:"gender,omitempty"`
	Age     *int                   `json:"age,omitempty"`
	Patient map[string]interface{} `json:"patient"`
}

func (h *Handler) GetPatient(c echo.Context) error {
	ctx := c.Request().Context()
	p := h.data.GetPatient(ctx)
	if p == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("no patient in context"))
	}
	resp := patientResponse{
		ID:      fhir.ResourceID(p),
		Name:    clinicaldata.DisplayName(p),
		Gender:  h.data.PatientGender(ctx),
		Patient: p,
	}
	if age, ok := h.data.PatientAge(ctx); ok {
		resp.Age = &age
	}
	return c.JSON(http.StatusOK, resp)
}

type contextRequest struct {
	PatientID   string `json:"patientId"`
	AccessToken string `json:"accessToken"`
	ContainerID string `json:"containerId"`
}

// SetContext rebinds the data layer to a new launch context.
func (h *Handler) SetContext(c echo.Context) error {
	if h.newClient == nil {
		return unavailable("FHIR endpoint not configured")
	}
	var req contextRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.PatientID == "" && req.AccessToken != "" {
		pid, err := fhir.PatientFromToken(req.AccessToken)
		if err != nil {
			return badRequest(err.Error())
		}
		req.PatientID = pid
	}
	if req.PatientID == "" {
		return badRequest("patientId or an access token with a patient claim is required")
	}

	ctx := c.Request().Context()
	h.data.Dispose()
	h.data.Initialize(ctx, h.newClient(req.PatientID, req.AccessToken), nil, clinicaldata.Container{ID: req.ContainerID})
	name := h.data.PatientName(ctx)

	if h.provenance != nil {
		h.provenance.SetPatientContext(ctx, provenance.PatientContext{PatientID: req.PatientID, PatientName: name})
	}
	if h.audit != nil {
		h.audit.LogPatientAccess(ctx, req.PatientID, name, "Patient", "medcalc")
	}
	h.logger.Info().Str("patient_id", req.PatientID).Msg("patient context changed")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patientId":   req.PatientID,
		"patientName": name,
		"ready":       h.data.Ready(),
	})
}

// ---------------------------------------------------------------------------
// Staleness

type stalenessResponse struct {
	ElementID string `json:"elementId"`
	Visible   bool   `json:"visible"`
	Threshold int    `json:"thresholdDays"`
	Records   any    `json:"records"`
}

func (h *Handler) GetStaleness(c echo.Context) error {
	t := h.data.Tracker()
	return c.JSON(http.StatusOK, stalenessResponse{
		ElementID: t.ElementID(),
		Visible:   t.HasStaleData(),
		Threshold: int(t.Threshold().Hours() / 24),
		Records:   t.Records(),
	})
}

func (h *Handler) ClearStaleness(c echo.Context) error {
	h.data.Tracker().ClearField(c.Param("fieldId"))
	return c.NoContent(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Cache

func (h *Handler) CacheStats(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version": h.cache.Version(),
		"classes": h.cache.Stats(ctx),
		"total":   h.cache.TotalSize(ctx),
	})
}

func (h *Handler) ClearCache(c echo.Context) error {
	ctx := c.Request().Context()
	if c.Param("class") == "all" {
		h.cache.ClearAllCaches(ctx)
		return c.NoContent(http.StatusNoContent)
	}
	class, err := cache.ParseClass(c.Param("class"))
	if err != nil {
		return badRequest(err.Error())
	}
	h.cache.ClearCache(ctx, class)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CleanCache(c echo.Context) error {
	ctx := c.Request().Context()
	removed := make(map[cache.Class]int, len(cache.Classes))
	total := 0
	for _, class := range cache.Classes {
		n := h.cache.CleanExpired(ctx, class)
		removed[class] = n
		total += n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"removed": removed, "total": total})
}

func (h *Handler) ClearPatientCache(c echo.Context) error {
	n := cache.NewFHIRCache(h.cache).ClearPatientCache(c.Request().Context(), c.Param("id"))
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

// ---------------------------------------------------------------------------
// Compliance

type accessRequest struct {
	PatientID    string `json:"patientId"`
	PatientName  string `json:"patientName"`
	ResourceType string `json:"resourceType"`
	CalculatorID string `json:"calculatorId"`
}

func (h *Handler) LogAccess(c echo.Context) error {
	if h.audit == nil {
		return unavailable("audit not configured")
	}
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	ctx := c.Request().Context()
	if req.PatientID == "" {
		req.PatientID = h.data.PatientID()
	}
	if req.PatientID == "" {
		return badRequest("no patient in context")
	}
	if req.PatientName == "" && req.PatientID == h.data.PatientID() {
		req.PatientName = h.data.PatientName(ctx)
	}
	if sid, _ := c.Get("request_id").(string); sid != "" {
		ctx = audit.WithSession(ctx, sid)
	}
	h.audit.LogPatientAccess(ctx, req.PatientID, req.PatientName, req.ResourceType, req.CalculatorID)
	return c.NoContent(http.StatusAccepted)
}

type calculationRequest struct {
	CalculatorID string              `json:"calculatorId"`
	Score        float64             `json:"score"`
	Sources      []provenance.Source `json:"sources"`
}

func (h *Handler) RecordCalculation(c echo.Context) error {
	if h.provenance == nil {
		return unavailable("provenance not configured")
	}
	var req calculationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.CalculatorID == "" {
		return badRequest("calculatorId is required")
	}
	r, ok := h.provenance.RecordCalculation(c.Request().Context(), req.CalculatorID, req.Score, req.Sources)
	if !ok {
		return c.JSON(http.StatusConflict, fhir.NewOperationOutcome("error", "business-rule", "no patient context"))
	}
	return c.JSON(http.StatusCreated, r.ToFHIR())
}

func (h *Handler) ListProvenance(c echo.Context) error {
	if h.provenance == nil {
		return unavailable("provenance not configured")
	}
	records := h.provenance.Records(c.QueryParam("patient"))
	resources := make([]map[string]interface{}, len(records))
	for i, r := range records {
		resources[i] = r.ToFHIR()
	}
	return c.JSON(http.StatusOK, searchBundle(c, resources))
}

type complianceStats struct {
	Audit      *audit.Stats             `json:"audit,omitempty"`
	Provenance *provenance.PersistStats `json:"provenance,omitempty"`
}

// ComplianceStats reports the audit and provenance write queues.
func (h *Handler) ComplianceStats(c echo.Context) error {
	var out complianceStats
	if h.audit != nil {
		st := h.audit.Stats()
		out.Audit = &st
	}
	if h.provenance != nil {
		st := h.provenance.PersistStats()
		out.Provenance = &st
	}
	return c.JSON(http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Units

type conversionResponse struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Type      string  `json:"type"`
	Display   string  `json:"display"`
	FromValue float64 `json:"fromValue"`
	FromUnit  string  `json:"fromUnit"`
}

func (h *Handler) ConvertUnits(c echo.Context) error {
	value, err := strconv.ParseFloat(c.QueryParam("value"), 64)
	if err != nil {
		return badRequest("value must be a number")
	}
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" || to == "" {
		return badRequest("from and to are required")
	}
	typ := c.QueryParam("type")
	if typ == "" {
		if t, ok := clinicaldata.MeasurementType(c.QueryParam("code")); ok {
			typ = t
		}
	}
	out, ok := h.converter.Convert(value, from, to, typ)
	if !ok {
		return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome("error", "not-supported",
			"no conversion from "+from+" to "+to+" for type "+strconv.Quote(typ)))
	}
	return c.JSON(http.StatusOK, conversionResponse{
		Value:     out,
		Unit:      units.NormalizeUnit(to),
		Type:      typ,
		Display:   units.Format(out, typ, to),
		FromValue: value,
		FromUnit:  units.NormalizeUnit(from),
	})
}

func (h *Handler) ListUnits(c echo.Context) error {
	return c.JSON(http.StatusOK, units.Specs())
}

// ---------------------------------------------------------------------------

func splitCodes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// searchBundle wraps the requested page of resources in a searchset Bundle.
// total counts every match, not just the page.
func searchBundle(c echo.Context, resources []map[string]interface{}) map[string]interface{} {
	p := pagination.FromContext(c)
	page := pagination.Slice(resources, p)
	entries := make([]map[string]interface{}, 0, len(page))
	for _, r := range page {
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(resources),
		"link":         p.Links(c.Request().URL.Path, c.QueryParams(), len(resources)),
		"entry":        entries,
	}
}
