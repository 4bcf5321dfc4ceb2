package fhir

import (
	"strconv"
	"strings"
)

// Resource is the common header of every FHIR resource this layer reads.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Security    []Coding `json:"security,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Quantity is a measured amount. Value is nil when the source omitted it.
type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// UnitLabel returns the human unit, falling back to the UCUM code.
func (q Quantity) UnitLabel() string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// FormatReference builds a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ---------------------------------------------------------------------------
// Generic accessors over decoded JSON resources
// ---------------------------------------------------------------------------

// ResourceType returns the resourceType of a decoded resource.
func ResourceType(res map[string]interface{}) string {
	s, _ := res["resourceType"].(string)
	return s
}

// ResourceID returns the id of a decoded resource.
func ResourceID(res map[string]interface{}) string {
	s, _ := res["id"].(string)
	return s
}

// CodingsOf returns the codings of the CodeableConcept stored under field.
func CodingsOf(res map[string]interface{}, field string) []Coding {
	cc, ok := res[field].(map[string]interface{})
	if !ok {
		return nil
	}
	return codingsFromConcept(cc)
}

func codingsFromConcept(cc map[string]interface{}) []Coding {
	raw, ok := cc["coding"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Coding, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var c Coding
		c.System, _ = m["system"].(string)
		c.Code, _ = m["code"].(string)
		c.Display, _ = m["display"].(string)
		out = append(out, c)
	}
	return out
}

// HasCode reports whether the CodeableConcept under field carries code.
// code may be a search token: "system|code" must match both parts and
// "|code" matches only a coding without a system.
func HasCode(res map[string]interface{}, field, code string) bool {
	system, value, scoped := strings.Cut(code, "|")
	if !scoped {
		value = code
	}
	for _, c := range CodingsOf(res, field) {
		if c.Code == value && (!scoped || c.System == system) {
			return true
		}
	}
	return false
}

// QuantityOf decodes a Quantity stored under field (e.g. "valueQuantity").
func QuantityOf(res map[string]interface{}, field string) (Quantity, bool) {
	m, ok := res[field].(map[string]interface{})
	if !ok {
		return Quantity{}, false
	}
	var q Quantity
	if v, ok := toFloat(m["value"]); ok {
		q.Value = &v
	}
	q.Unit, _ = m["unit"].(string)
	q.System, _ = m["system"].(string)
	q.Code, _ = m["code"].(string)
	return q, q.Value != nil
}

// ComponentQuantity returns the valueQuantity of the first component whose
// code matches one of codes. Used for panels such as blood pressure.
func ComponentQuantity(res map[string]interface{}, codes ...string) (Quantity, string, bool) {
	comps, ok := res["component"].([]interface{})
	if !ok {
		return Quantity{}, "", false
	}
	for _, raw := range comps {
		comp, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, code := range codes {
			if !HasCode(comp, "code", code) {
				continue
			}
			if q, ok := QuantityOf(comp, "valueQuantity"); ok {
				return q, code, true
			}
		}
	}
	return Quantity{}, "", false
}

// StringAt walks a dotted path ("effectivePeriod.end") and returns the string
// found there.
func StringAt(res map[string]interface{}, path string) string {
	var cur interface{} = res
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// OperationOutcome
// ---------------------------------------------------------------------------

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", diagnostics)
}

// OutcomeDiagnostics extracts the first diagnostics string from a decoded
// OperationOutcome, or "" when res is something else.
func OutcomeDiagnostics(res map[string]interface{}) string {
	if ResourceType(res) != "OperationOutcome" {
		return ""
	}
	issues, _ := res["issue"].([]interface{})
	for _, raw := range issues {
		if m, ok := raw.(map[string]interface{}); ok {
			if d, _ := m["diagnostics"].(string); d != "" {
				return d
			}
		}
	}
	return ""
}
