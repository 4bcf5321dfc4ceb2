package clinicaldata

import (
	"context"
	"strings"
	"time"

	"github.com/ehr/medcalc/internal/platform/fhir"
	"github.com/ehr/medcalc/internal/staleness"
)

// GetPatient returns the bound patient resource, reading through the cache.
// It returns nil when no patient is available.
func (s *Service) GetPatient(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	bound := s.patient
	s.mu.RUnlock()
	if bound != nil {
		return bound
	}

	client, patientID, _ := s.state()
	if client == nil || patientID == "" {
		return nil
	}

	var cached map[string]interface{}
	if s.cache.Patient(ctx, patientID, &cached) {
		s.emit(AccessEvent{PatientID: patientID, ResourceType: "Patient", Source: SourceCache})
		return cached
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	res, err := client.Request(fctx, "Patient/"+patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("patient fetch failed")
		return nil
	}
	patient := fhir.FirstResource(res)
	if patient == nil || fhir.ResourceType(patient) != "Patient" {
		return nil
	}
	if fhir.IsRestricted(patient) {
		s.logger.Warn().Str("patient_id", patientID).Msg("restricted patient withheld")
		return nil
	}

	s.cache.SetPatient(ctx, patientID, patient)
	s.emit(AccessEvent{PatientID: patientID, ResourceType: "Patient", Source: SourceNetwork})
	return patient
}

// PatientAge returns the patient's age in whole years.
func (s *Service) PatientAge(ctx context.Context) (int, bool) {
	birth, ok := birthDate(s.GetPatient(ctx))
	if !ok {
		return 0, false
	}
	return ageAt(birth, s.now()), true
}

// PatientGender returns the administrative gender, or "".
func (s *Service) PatientGender(ctx context.Context) string {
	p := s.GetPatient(ctx)
	g, _ := p["gender"].(string)
	return g
}

// PatientName returns a display name, or "".
func (s *Service) PatientName(ctx context.Context) string {
	return DisplayName(s.GetPatient(ctx))
}

// DisplayName renders the first usable HumanName of a Patient: the text
// when present, otherwise given names followed by the family name.
func DisplayName(patient map[string]interface{}) string {
	names, _ := patient["name"].([]interface{})
	for _, raw := range names {
		n, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if text, _ := n["text"].(string); text != "" {
			return text
		}
		var parts []string
		if given, ok := n["given"].([]interface{}); ok {
			for _, g := range given {
				if gs, _ := g.(string); gs != "" {
					parts = append(parts, gs)
				}
			}
		}
		if family, _ := n["family"].(string); family != "" {
			parts = append(parts, family)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func birthDate(patient map[string]interface{}) (time.Time, bool) {
	s, _ := patient["birthDate"].(string)
	if s == "" {
		return time.Time{}, false
	}
	t, err := staleness.ParseDate(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func ageAt(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
