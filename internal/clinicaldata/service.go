// Package clinicaldata turns observation codes into normalized, unit-converted
// and freshness-annotated values for calculators. It fronts the FHIR client
// with the tiered cache and never returns an error to calculator code:
// failures degrade to empty results and a logged warning.
package clinicaldata

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/medcalc/internal/cache"
	"github.com/ehr/medcalc/internal/platform/fhir"
	"github.com/ehr/medcalc/internal/staleness"
	"github.com/ehr/medcalc/internal/units"
)

// DefaultFetchTimeout bounds one network fetch.
const DefaultFetchTimeout = 15 * time.Second

// Source tells where a result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// AccessEvent is emitted whenever patient data is read.
type AccessEvent struct {
	PatientID    string    `json:"patientId"`
	ResourceType string    `json:"resourceType"`
	Code         string    `json:"code,omitempty"`
	Source       Source    `json:"source"`
	At           time.Time `json:"at"`
}

// AccessListener receives access events. Calls happen off the read path.
type AccessListener interface {
	OnAccess(AccessEvent)
}

// AccessListenerFunc adapts a function to AccessListener.
type AccessListenerFunc func(AccessEvent)

func (f AccessListenerFunc) OnAccess(e AccessEvent) { f(e) }

// Container is the UI scope a service instance populates.
type Container struct {
	// ID is the element id of the staleness banner.
	ID string
	// Writer receives auto-populated values. May be nil.
	Writer FieldWriter
}

// Config holds the collaborators of a Service.
type Config struct {
	Cache              *cache.Manager
	Converter          *units.Converter
	Presenter          staleness.Presenter
	StalenessThreshold time.Duration
	FetchTimeout       time.Duration
	// DisableDedup lets concurrent identical fetches each hit the network.
	DisableDedup bool
	Logger       zerolog.Logger
	Clock        func() time.Time
}

// Service is the clinical data access layer of one calculator page.
type Service struct {
	cache        *cache.FHIRCache
	converter    *units.Converter
	presenter    staleness.Presenter
	threshold    time.Duration
	fetchTimeout time.Duration
	dedup        bool
	logger       zerolog.Logger
	now          func() time.Time
	tracer       trace.Tracer
	flight       singleflight.Group

	mu        sync.RWMutex
	client    fhir.Client
	patient   map[string]interface{}
	container Container
	tracker   *staleness.Tracker
	ready     bool

	listenerMu sync.RWMutex
	listeners  []AccessListener
	emitWG     sync.WaitGroup
}

// New creates an uninitialized Service. Data methods return empty results
// until Initialize is called with a client.
func New(cfg Config) *Service {
	if cfg.Cache == nil {
		cfg.Cache = cache.NewManager(cache.WithLogger(cfg.Logger))
	}
	if cfg.Converter == nil {
		cfg.Converter = units.NewConverter()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Service{
		cache:        cache.NewFHIRCache(cfg.Cache),
		converter:    cfg.Converter,
		presenter:    cfg.Presenter,
		threshold:    cfg.StalenessThreshold,
		fetchTimeout: cfg.FetchTimeout,
		dedup:        !cfg.DisableDedup,
		logger:       cfg.Logger.With().Str("component", "clinicaldata").Logger(),
		now:          cfg.Clock,
		tracer:       otel.Tracer("github.com/ehr/medcalc/internal/clinicaldata"),
	}
	s.tracker = s.newTracker("")
	return s
}

func (s *Service) newTracker(elementID string) *staleness.Tracker {
	opts := []staleness.Option{staleness.WithClock(s.now)}
	if s.threshold > 0 {
		opts = append(opts, staleness.WithThreshold(s.threshold))
	}
	if elementID != "" {
		opts = append(opts, staleness.WithElementID(elementID))
	}
	if s.presenter != nil {
		opts = append(opts, staleness.WithPresenter(s.presenter))
	}
	return staleness.NewTracker(opts...)
}

// AddListener registers l for access events.
func (s *Service) AddListener(l AccessListener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenerMu.Unlock()
}

// Initialize binds the service to a client, patient and container. A nil
// client leaves the service in manual-entry mode. When patient is nil the
// patient resource is loaded on a best-effort basis.
func (s *Service) Initialize(ctx context.Context, client fhir.Client, patient map[string]interface{}, container Container) {
	s.mu.Lock()
	s.client = client
	s.patient = patient
	s.container = container
	s.tracker = s.newTracker(container.ID)
	s.ready = client != nil
	s.mu.Unlock()

	if client == nil {
		s.logger.Info().Msg("no FHIR client; manual entry mode")
		return
	}
	s.logger.Info().Str("patient_id", s.PatientID()).Msg("clinical data service initialized")

	if patient == nil && s.PatientID() != "" {
		if p := s.GetPatient(ctx); p != nil {
			s.mu.Lock()
			s.patient = p
			s.mu.Unlock()
		}
	}
}

// Ready reports whether a client is bound.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Dispose unbinds the service, clears its staleness warnings and waits for
// pending listener notifications.
func (s *Service) Dispose() {
	s.mu.Lock()
	tracker := s.tracker
	s.client = nil
	s.patient = nil
	s.container = Container{}
	s.ready = false
	s.mu.Unlock()

	tracker.ClearAll()
	s.emitWG.Wait()
}

// PatientID returns the id of the bound patient, or "".
func (s *Service) PatientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id := fhir.ResourceID(s.patient); id != "" {
		return id
	}
	if s.client != nil {
		return s.client.PatientID()
	}
	return ""
}

// Tracker returns the staleness tracker of the current container.
func (s *Service) Tracker() *staleness.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker
}

func (s *Service) state() (fhir.Client, string, *staleness.Tracker) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := fhir.ResourceID(s.patient)
	if id == "" && s.client != nil {
		id = s.client.PatientID()
	}
	return s.client, id, s.tracker
}

// GetObservation returns the latest value for code. code may list
// comma-separated alternatives; the first alternative with a numeric value
// wins, then the first with any observation.
func (s *Service) GetObservation(ctx context.Context, code string, opts Options) ObservationResult {
	ctx, span := s.tracer.Start(ctx, "clinicaldata.GetObservation",
		trace.WithAttributes(attribute.String("observation.code", code)))
	defer span.End()

	if err := ValidateCode(code); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting observation request")
		return emptyResult(code)
	}
	client, patientID, tracker := s.state()
	if client == nil || patientID == "" {
		return emptyResult(code)
	}

	// One staleness record per requested field, whichever alternative wins.
	track, fieldID := opts.TrackStaleness, opts.FieldID
	if fieldID == "" {
		fieldID = code
	}
	opts.TrackStaleness = false

	var fallback *ObservationResult
	absent := false
	for _, alt := range SplitAlternatives(code) {
		res, ok := s.observation(ctx, client, patientID, tracker, alt, opts)
		if res.HasValue() {
			span.SetAttributes(attribute.String("observation.matched", alt))
			if track {
				tracker.TrackObservation(fieldID, res.Observation, alt, opts.Label)
			}
			return res
		}
		if res.Found() && fallback == nil {
			r := res
			fallback = &r
		}
		if ok && !res.Found() {
			absent = true
		}
	}
	if fallback != nil {
		if track {
			tracker.TrackObservation(fieldID, fallback.Observation, fallback.Code, opts.Label)
		}
		return *fallback
	}
	if track && absent {
		tracker.ClearField(fieldID)
	}
	return emptyResult(code)
}

// observation resolves one alternative. ok is false when the fetch failed,
// so an empty result does not prove the observation is absent.
func (s *Service) observation(ctx context.Context, client fhir.Client, patientID string, tracker *staleness.Tracker, code string, opts Options) (ObservationResult, bool) {
	if !opts.SkipCache {
		var cached ObservationResult
		if s.cache.Observation(ctx, patientID, code, &cached) && cached.Observation != nil {
			res := s.normalize(code, cached.Observation, opts, tracker)
			s.emit(AccessEvent{PatientID: patientID, ResourceType: "Observation", Code: code, Source: SourceCache})
			return res, true
		}
	}

	obs, err := s.fetchLatest(ctx, client, patientID, code)
	if err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("observation fetch failed")
		return emptyResult(code), false
	}
	if obs == nil {
		return emptyResult(code), true
	}

	res := s.normalize(code, obs, opts, tracker)
	s.cache.SetObservation(ctx, patientID, code, res)
	s.emit(AccessEvent{PatientID: patientID, ResourceType: "Observation", Code: code, Source: SourceNetwork})
	return res, true
}

// fetchLatest issues the single "latest by date" search. Concurrent calls
// for the same patient and code share one request unless dedup is disabled.
func (s *Service) fetchLatest(ctx context.Context, client fhir.Client, patientID, code string) (map[string]interface{}, error) {
	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("code", code)
	q.Set("_sort", "-date")
	q.Set("_count", "1")
	path := "Observation?" + q.Encode()

	fetch := func(ctx context.Context) (map[string]interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
		bundle, err := client.Request(ctx, path)
		if err != nil {
			return nil, err
		}
		obs := fhir.FirstResource(bundle)
		if obs != nil && fhir.IsRestricted(obs) {
			s.logger.Warn().Str("code", code).Str("resource_id", fhir.ResourceID(obs)).
				Msg("restricted observation withheld")
			return nil, nil
		}
		return obs, nil
	}

	if !s.dedup {
		return fetch(ctx)
	}

	ch := s.flight.DoChan(patientID+"|"+code, func() (interface{}, error) {
		return fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		obs, _ := r.Val.(map[string]interface{})
		return obs, nil
	}
}

// normalize builds the result for obs: value extraction, unit conversion
// and staleness.
func (s *Service) normalize(code string, obs map[string]interface{}, opts Options, tracker *staleness.Tracker) ObservationResult {
	res := ObservationResult{Code: code, Observation: obs}

	q, ok := fhir.QuantityOf(obs, "valueQuantity")
	if !ok {
		component := opts.ComponentCode
		if component == "" {
			component = code
		}
		q, _, ok = fhir.ComponentQuantity(obs, component)
	}
	if ok {
		v := *q.Value
		res.OriginalValue = floatPtr(v)
		res.OriginalUnit = q.UnitLabel()
		res.Value = floatPtr(v)
		res.Unit = res.OriginalUnit
		s.convert(&res, opts.TargetUnit)
	}

	if date, ok := staleness.EffectiveDate(obs); ok {
		res.Date = &date
	}

	if info := tracker.CheckStaleness(obs); info != nil {
		res.IsStale = info.IsStale
		days := info.AgeInDays
		res.AgeInDays = &days
		res.AgeFormatted = info.AgeFormatted
	}
	return res
}

func (s *Service) convert(res *ObservationResult, target string) {
	if target == "" || units.NormalizeUnit(target) == units.NormalizeUnit(res.OriginalUnit) {
		return
	}
	typ, ok := MeasurementType(res.Code)
	if !ok {
		s.logger.Warn().Str("code", res.Code).Str("target_unit", target).
			Msg("no measurement type for code; keeping source unit")
		return
	}
	v, ok := s.converter.Convert(*res.OriginalValue, res.OriginalUnit, target, typ)
	if !ok {
		s.logger.Warn().Str("code", res.Code).Str("from", res.OriginalUnit).Str("to", target).
			Msg("no unit conversion; keeping source unit")
		return
	}
	res.Value = floatPtr(v)
	res.Unit = target
}

// GetObservations returns up to count observations for code, newest first.
// It always goes to the network.
func (s *Service) GetObservations(ctx context.Context, code string, count int, opts Options) []ObservationResult {
	if err := ValidateCode(code); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting observation history request")
		return nil
	}
	client, patientID, tracker := s.state()
	if client == nil || patientID == "" {
		return nil
	}
	if count <= 0 {
		count = 10
	}

	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("code", code)
	q.Set("_sort", "-date")
	q.Set("_count", fmt.Sprint(count))

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	bundle, err := client.Request(fctx, "Observation?"+q.Encode())
	if err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("observation history fetch failed")
		return nil
	}

	resources, dropped := fhir.FilterAccessible(fhir.BundleResources(bundle))
	if dropped > 0 {
		s.logger.Warn().Str("code", code).Int("dropped", dropped).Msg("restricted observations withheld")
	}

	out := make([]ObservationResult, 0, len(resources))
	for _, r := range resources {
		out = append(out, s.normalize(matchedCode(r, code), r, opts, tracker))
	}
	if len(out) > 0 {
		s.emit(AccessEvent{PatientID: patientID, ResourceType: "Observation", Code: code, Source: SourceNetwork})
	}
	return out
}

// matchedCode returns which alternative of code the resource carries.
func matchedCode(res map[string]interface{}, code string) string {
	alts := SplitAlternatives(code)
	for _, alt := range alts {
		if fhir.HasCode(res, "code", alt) {
			return alt
		}
	}
	if len(alts) > 0 {
		return alts[0]
	}
	return code
}

func (s *Service) emit(e AccessEvent) {
	s.listenerMu.RLock()
	listeners := append([]AccessListener(nil), s.listeners...)
	s.listenerMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	e.At = s.now()

	s.emitWG.Add(1)
	go func() {
		defer s.emitWG.Done()
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error().Interface("panic", r).Msg("access listener panicked")
					}
				}()
				l.OnAccess(e)
			}()
		}
	}()
}
