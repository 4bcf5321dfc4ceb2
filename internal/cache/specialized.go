package cache

import (
	"context"
	"encoding/json"
	"time"
)

// PatientKey is the fhir-class key of a cached Patient resource.
func PatientKey(patientID string) string {
	return "patient-" + patientID
}

// ObservationKey is the fhir-class key of the latest observation for a code.
func ObservationKey(patientID, code string) string {
	return "observation-" + patientID + "-" + code
}

// FHIRCache stores patient-scoped clinical data under the fhir class.
type FHIRCache struct {
	m *Manager
}

func NewFHIRCache(m *Manager) *FHIRCache { return &FHIRCache{m: m} }

func (c *FHIRCache) SetPatient(ctx context.Context, patientID string, patient interface{}) {
	c.m.Set(ctx, FHIR, PatientKey(patientID), patient, 0)
}

func (c *FHIRCache) Patient(ctx context.Context, patientID string, dst interface{}) bool {
	return c.m.Get(ctx, FHIR, PatientKey(patientID), dst)
}

func (c *FHIRCache) SetObservation(ctx context.Context, patientID, code string, value interface{}) {
	c.m.Set(ctx, FHIR, ObservationKey(patientID, code), value, 0)
}

func (c *FHIRCache) Observation(ctx context.Context, patientID, code string, dst interface{}) bool {
	return c.m.Get(ctx, FHIR, ObservationKey(patientID, code), dst)
}

// ClearPatientCache removes every fhir-class entry whose key mentions
// patientID, in both tiers. An empty id is a no-op.
func (c *FHIRCache) ClearPatientCache(ctx context.Context, patientID string) int {
	if patientID == "" {
		return 0
	}
	return c.m.RemoveMatching(ctx, FHIR, containsSubstring(patientID))
}

// CalculatorCache stores calculator modules keyed by module path.
type CalculatorCache struct {
	m *Manager
}

func NewCalculatorCache(m *Manager) *CalculatorCache { return &CalculatorCache{m: m} }

func (c *CalculatorCache) SetModule(ctx context.Context, path string, module interface{}) {
	c.m.Set(ctx, Calculators, path, module, 0)
}

func (c *CalculatorCache) Module(ctx context.Context, path string, dst interface{}) bool {
	return c.m.Get(ctx, Calculators, path, dst)
}

// StaticCache stores static assets keyed by asset path.
type StaticCache struct {
	m *Manager
}

func NewStaticCache(m *Manager) *StaticCache { return &StaticCache{m: m} }

// SetAsset stores the asset body. A zero ttl applies the class default.
func (c *StaticCache) SetAsset(ctx context.Context, path string, body []byte, ttl time.Duration) {
	c.m.Set(ctx, Static, path, body, ttl)
}

func (c *StaticCache) Asset(ctx context.Context, path string) ([]byte, bool) {
	var body []byte
	if !c.m.Get(ctx, Static, path, &body) {
		return nil, false
	}
	return body, true
}

// ImageCache stores images keyed by URL.
type ImageCache struct {
	m *Manager
}

func NewImageCache(m *Manager) *ImageCache { return &ImageCache{m: m} }

// CachedImage is the stored form of an image.
type CachedImage struct {
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

func (c *ImageCache) SetImage(ctx context.Context, url string, img CachedImage) {
	c.m.Set(ctx, Images, url, img, 0)
}

func (c *ImageCache) Image(ctx context.Context, url string) (CachedImage, bool) {
	var img CachedImage
	if !c.m.Get(ctx, Images, url, &img) {
		return CachedImage{}, false
	}
	return img, true
}

// Raw exposes a class-scoped view for callers that work with serialized data.
func (c *FHIRCache) Raw(ctx context.Context, key string) (json.RawMessage, bool) {
	return c.m.GetRaw(ctx, FHIR, key)
}
