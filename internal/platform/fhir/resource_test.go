package fhir

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

const bpPanel = `{
  "resourceType": "Observation",
  "id": "bp-1",
  "code": {"coding": [{"system": "http://loinc.org", "code": "85354-9", "display": "Blood pressure panel"}]},
  "effectivePeriod": {"start": "2024-01-01", "end": "2024-01-02"},
  "component": [
    {"code": {"coding": [{"code": "8480-6"}]}, "valueQuantity": {"value": 128, "unit": "mmHg"}},
    {"code": {"coding": [{"code": "8462-4"}]}, "valueQuantity": {"value": 82, "code": "mm[Hg]"}}
  ]
}`

func TestResourceAccessors(t *testing.T) {
	res := decode(t, bpPanel)
	if ResourceType(res) != "Observation" || ResourceID(res) != "bp-1" {
		t.Errorf("unexpected header %q/%q", ResourceType(res), ResourceID(res))
	}
	codings := CodingsOf(res, "code")
	if len(codings) != 1 || codings[0].Display != "Blood pressure panel" {
		t.Errorf("unexpected codings %+v", codings)
	}
	if !HasCode(res, "code", "85354-9") || HasCode(res, "code", "8480-6") {
		t.Error("HasCode mismatch")
	}
	if !HasCode(res, "code", "http://loinc.org|85354-9") {
		t.Error("expected system|code token to match")
	}
	if HasCode(res, "code", "http://snomed.info/sct|85354-9") || HasCode(res, "code", "|85354-9") {
		t.Error("expected token with another system to miss")
	}
	if got := StringAt(res, "effectivePeriod.end"); got != "2024-01-02" {
		t.Errorf("StringAt = %q", got)
	}
	if got := StringAt(res, "code.text.missing"); got != "" {
		t.Errorf("expected empty for missing path, got %q", got)
	}
}

func TestComponentQuantity(t *testing.T) {
	res := decode(t, bpPanel)

	q, code, ok := ComponentQuantity(res, "8462-4")
	if !ok || code != "8462-4" || *q.Value != 82 {
		t.Fatalf("unexpected diastolic %+v %q %v", q, code, ok)
	}
	if q.UnitLabel() != "mm[Hg]" {
		t.Errorf("expected UCUM code fallback, got %q", q.UnitLabel())
	}
	if _, _, ok := ComponentQuantity(res, "8867-4"); ok {
		t.Error("expected no heart rate component")
	}
}

func TestQuantityOf(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		want  float64
		found bool
	}{
		{"number", `{"valueQuantity": {"value": 1.2, "unit": "mg/dL"}}`, 1.2, true},
		{"string number", `{"valueQuantity": {"value": "7.5"}}`, 7.5, true},
		{"no value", `{"valueQuantity": {"unit": "mg/dL"}}`, 0, false},
		{"no quantity", `{"valueString": "positive"}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := QuantityOf(decode(t, tt.json), "valueQuantity")
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && *q.Value != tt.want {
				t.Errorf("value = %v, want %v", *q.Value, tt.want)
			}
		})
	}
}

func TestOperationOutcome(t *testing.T) {
	oo := NotFoundOutcome("Patient/1 not found")
	if oo.ResourceType != "OperationOutcome" || oo.Issue[0].Code != "not-found" {
		t.Errorf("unexpected outcome %+v", oo)
	}
	if ErrorOutcome("x").Issue[0].Code != "processing" {
		t.Error("expected processing code")
	}

	raw, _ := json.Marshal(oo)
	if got := OutcomeDiagnostics(decode(t, string(raw))); got != "Patient/1 not found" {
		t.Errorf("OutcomeDiagnostics = %q", got)
	}
	if got := OutcomeDiagnostics(decode(t, `{"resourceType": "Patient"}`)); got != "" {
		t.Errorf("expected empty diagnostics, got %q", got)
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "123"); got != "Patient/123" {
		t.Errorf("got %q", got)
	}
}
