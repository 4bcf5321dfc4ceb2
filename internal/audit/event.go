// Package audit records compliance AuditEvents for patient data access.
// Recording is asynchronous: callers enqueue and move on, and a background
// worker hands events to a Recorder.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// Event is the subset of a FHIR AuditEvent the calculator records.
type Event struct {
	ID              uuid.UUID `json:"id"`
	FHIRID          string    `json:"fhir_id"`
	TypeCode        string    `json:"type_code"`
	TypeDisplay     string    `json:"type_display"`
	SubtypeCode     string    `json:"subtype_code"`
	SubtypeDisplay  string    `json:"subtype_display"`
	Action          string    `json:"action"` // C/R/U/D/E
	Recorded        time.Time `json:"recorded"`
	Outcome         string    `json:"outcome"` // 0/4/8/12
	OutcomeDesc     string    `json:"outcome_desc"`
	AgentWhoDisplay string    `json:"agent_who_display"`
	AgentName       string    `json:"agent_name"`
	AgentRequestor  bool      `json:"agent_requestor"`
	SourceSite      string    `json:"source_site"`
	SourceObserver  string    `json:"source_observer_id"`
	EntityWhatType  string    `json:"entity_what_type"`
	EntityWhatRef   string    `json:"entity_what_reference"`
	EntityWhatDisp  string    `json:"entity_what_display"`
	EntityQuery     string    `json:"entity_query"`
	PurposeCode     string    `json:"purpose_of_use_code"`
	PurposeDisplay  string    `json:"purpose_of_use_display"`
	SessionID       string    `json:"session_id"`
}

// NewPatientAccessEvent builds a read event for a patient's data viewed by a
// calculator.
func NewPatientAccessEvent(patientID, patientName, resourceType, calculatorID string, at time.Time) *Event {
	return &Event{
		ID:              uuid.New(),
		FHIRID:          uuid.New().String(),
		TypeCode:        "rest",
		TypeDisplay:     "RESTful Operation",
		SubtypeCode:     "read",
		SubtypeDisplay:  "Read",
		Action:          "R",
		Recorded:        at.UTC(),
		Outcome:         "0",
		AgentWhoDisplay: "medcalc",
		AgentName:       calculatorID,
		AgentRequestor:  true,
		SourceObserver:  calculatorID,
		EntityWhatType:  resourceType,
		EntityWhatRef:   fhir.FormatReference("Patient", patientID),
		EntityWhatDisp:  patientName,
		PurposeCode:     "TREAT",
		PurposeDisplay:  "Treatment",
	}
}

// ToFHIR renders the event as a FHIR AuditEvent resource.
func (e *Event) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AuditEvent",
		"id":           e.FHIRID,
		"type": fhir.Coding{
			System:  "http://terminology.hl7.org/CodeSystem/audit-event-type",
			Code:    e.TypeCode,
			Display: e.TypeDisplay,
		},
		"action":   e.Action,
		"recorded": e.Recorded.Format(time.RFC3339),
		"outcome":  e.Outcome,
	}
	if e.SubtypeCode != "" {
		result["subtype"] = []fhir.Coding{{
			System:  "http://hl7.org/fhir/restful-interaction",
			Code:    e.SubtypeCode,
			Display: e.SubtypeDisplay,
		}}
	}
	if e.OutcomeDesc != "" {
		result["outcomeDesc"] = e.OutcomeDesc
	}

	agent := map[string]interface{}{"requestor": e.AgentRequestor}
	if e.AgentWhoDisplay != "" {
		agent["who"] = fhir.Reference{Display: e.AgentWhoDisplay}
	}
	if e.AgentName != "" {
		agent["name"] = e.AgentName
	}
	result["agent"] = []interface{}{agent}

	source := map[string]interface{}{}
	if e.SourceSite != "" {
		source["site"] = e.SourceSite
	}
	if e.SourceObserver != "" {
		source["observer"] = fhir.Reference{Display: e.SourceObserver}
	}
	if len(source) > 0 {
		result["source"] = source
	}

	if e.EntityWhatRef != "" {
		entity := map[string]interface{}{
			"what": fhir.Reference{Reference: e.EntityWhatRef, Display: e.EntityWhatDisp},
		}
		if e.EntityWhatType != "" {
			entity["type"] = fhir.Coding{
				System: "http://hl7.org/fhir/resource-types",
				Code:   e.EntityWhatType,
			}
		}
		if e.EntityQuery != "" {
			entity["description"] = e.EntityQuery
		}
		result["entity"] = []interface{}{entity}
	}

	if e.PurposeCode != "" {
		result["purposeOfEvent"] = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{Code: e.PurposeCode, Display: e.PurposeDisplay}},
		}}
	}
	return result
}
