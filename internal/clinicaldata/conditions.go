package clinicaldata

import (
	"context"
	"net/url"
	"strings"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// GetConditions returns the patient's active conditions, optionally limited
// to codes. It returns an empty slice on any failure.
func (s *Service) GetConditions(ctx context.Context, codes ...string) []map[string]interface{} {
	q := url.Values{}
	q.Set("clinical-status", "active")
	return s.search(ctx, "Condition", q, codes)
}

// HasCondition reports whether any active condition matches codes.
func (s *Service) HasCondition(ctx context.Context, codes ...string) bool {
	return len(s.GetConditions(ctx, codes...)) > 0
}

// GetMedications returns the patient's active medication requests,
// optionally limited to codes. It returns an empty slice on any failure.
func (s *Service) GetMedications(ctx context.Context, codes ...string) []map[string]interface{} {
	q := url.Values{}
	q.Set("status", "active")
	return s.search(ctx, "MedicationRequest", q, codes)
}

// IsOnMedication reports whether any active medication matches codes.
func (s *Service) IsOnMedication(ctx context.Context, codes ...string) bool {
	return len(s.GetMedications(ctx, codes...)) > 0
}

func (s *Service) search(ctx context.Context, resourceType string, q url.Values, codes []string) []map[string]interface{} {
	empty := []map[string]interface{}{}
	client, patientID, _ := s.state()
	if client == nil || patientID == "" {
		return empty
	}

	q.Set("patient", patientID)
	var filter []string
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			filter = append(filter, c)
		}
	}
	if len(filter) > 0 {
		q.Set("code", strings.Join(filter, ","))
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	bundle, err := client.Request(fctx, resourceType+"?"+q.Encode())
	if err != nil {
		s.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("search failed")
		return empty
	}

	var matched []map[string]interface{}
	for _, r := range fhir.BundleResources(bundle) {
		if fhir.ResourceType(r) == resourceType {
			matched = append(matched, r)
		}
	}
	resources, dropped := fhir.FilterAccessible(matched)
	if dropped > 0 {
		s.logger.Warn().Str("resource_type", resourceType).Int("dropped", dropped).Msg("restricted resources withheld")
	}
	if len(resources) > 0 {
		s.emit(AccessEvent{PatientID: patientID, ResourceType: resourceType, Code: strings.Join(filter, ","), Source: SourceNetwork})
	}
	return resources
}
