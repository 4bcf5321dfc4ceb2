// Package provenance records which observations fed a calculator result.
package provenance

import (
	"time"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// Record holds the data for a FHIR Provenance resource describing one
// calculation.
type Record struct {
	ID              string    `json:"id"`
	TargetReference string    `json:"targetReference"`
	Recorded        time.Time `json:"recorded"`
	AgentWho        string    `json:"agentWho"`
	AgentType       string    `json:"agentType"`
	ActivityCode    string    `json:"activityCode"`
	ActivityDisplay string    `json:"activityDisplay"`
	Reason          string    `json:"reason,omitempty"`
	Entities        []Entity  `json:"entities,omitempty"`
}

// Entity is an input resource used by the activity.
type Entity struct {
	Role      string `json:"role"`
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// ToFHIR converts a Record to a FHIR Provenance resource map.
func (r Record) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Provenance",
		"id":           r.ID,
		"target":       []fhir.Reference{{Reference: r.TargetReference}},
		"recorded":     r.Recorded.Format(time.RFC3339),
		"agent": []map[string]interface{}{
			{
				"type": fhir.CodeableConcept{Coding: []fhir.Coding{{
					System:  "http://terminology.hl7.org/CodeSystem/provenance-participant-type",
					Code:    r.AgentType,
					Display: r.AgentType,
				}}},
				"who": fhir.Reference{Display: r.AgentWho},
			},
		},
		"activity": fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  "http://terminology.hl7.org/CodeSystem/v3-DataOperation",
			Code:    r.ActivityCode,
			Display: r.ActivityDisplay,
		}}},
	}
	if r.Reason != "" {
		result["reason"] = []fhir.CodeableConcept{{Text: r.Reason}}
	}
	if len(r.Entities) > 0 {
		entities := make([]map[string]interface{}, 0, len(r.Entities))
		for _, e := range r.Entities {
			entities = append(entities, map[string]interface{}{
				"role": e.Role,
				"what": fhir.Reference{Reference: e.Reference, Display: e.Display},
			})
		}
		result["entity"] = entities
	}
	return result
}
