package clinicaldata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/medcalc/internal/platform/fhir"
	"github.com/ehr/medcalc/internal/units"
)

func TestAutoPopulate_AllSettled(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.addObservation(LOINCBodyWeight, quantityObservation("w", LOINCBodyWeight, 154.32, "lb", testNow))
	h.client.addObservation(LOINCBodyHeight, quantityObservation("h", LOINCBodyHeight, 175, "cm", testNow.AddDate(-2, 0, 0)))
	h.client.addObservation(LOINCHemoglobin, withSecurity(
		quantityObservation("hb", LOINCHemoglobin, 12, "g/dL", testNow), fhir.LabelRestricted))
	h.client.failCodes[LOINCCreatinine] = errors.New("connection reset")

	reqs := []Requirement{
		{FieldID: "weight", Code: LOINCBodyWeight, TargetUnit: "kg"},
		{FieldID: "creatinine", Code: LOINCCreatinine},
		{FieldID: "height", Code: LOINCBodyHeight, Label: "Height"},
		{FieldID: "hgb", Code: LOINCHemoglobin},
	}
	results := h.svc.AutoPopulateFromRequirements(context.Background(), reqs)

	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	for i, r := range results {
		if r.FieldID != reqs[i].FieldID {
			t.Errorf("result %d: expected field %s, got %s", i, reqs[i].FieldID, r.FieldID)
		}
	}
	if !results[0].Populated || !approx(h.writer.values["weight"], 70) || h.writer.units["weight"] != "kg" {
		t.Errorf("expected weight written as ~70 kg, got %v %q", h.writer.values["weight"], h.writer.units["weight"])
	}
	if results[1].Populated || results[3].Populated {
		t.Error("expected failed and restricted fields unpopulated")
	}
	if !results[2].Populated || h.writer.values["height"] != 175 {
		t.Error("expected height populated despite sibling failures")
	}

	rec, ok := h.svc.Tracker().Record("height")
	if !ok || rec.Label != "Height" {
		t.Errorf("expected stale height tracked, got %+v", rec)
	}
}

func TestAutoPopulate_WriterFailureReported(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.addObservation(LOINCSodium, quantityObservation("na", LOINCSodium, 140, "mmol/L", testNow))
	h.writer.failOn = "sodium"

	results := h.svc.AutoPopulateFromRequirements(context.Background(),
		[]Requirement{{FieldID: "sodium", Code: LOINCSodium}})

	if results[0].Populated || results[0].Error == "" {
		t.Errorf("expected writer error reported, got %+v", results[0])
	}
	if !results[0].Result.HasValue() {
		t.Error("expected value still resolved")
	}
}

func TestAutoPopulate_WithBoundInput(t *testing.T) {
	h := newHarness(t, Config{})
	conv := units.NewConverter()
	spec, _ := units.SpecFor(units.Temperature)
	input := conv.Bind(spec)

	writer := FieldWriterFunc(func(fieldID string, value float64, unit string) error {
		return input.Set(value, unit)
	})
	h.svc.Initialize(context.Background(), h.client,
		map[string]interface{}{"resourceType": "Patient", "id": "p1"},
		Container{ID: "calc-warnings", Writer: writer})

	h.client.addObservation(LOINCBodyTemperature,
		quantityObservation("t", LOINCBodyTemperature, 101.3, "degF", testNow.Add(-time.Minute)))

	results := h.svc.AutoPopulateFromRequirements(context.Background(),
		[]Requirement{{FieldID: "temp", Code: LOINCBodyTemperature, TargetUnit: "degC"}})
	if !results[0].Populated {
		t.Fatalf("expected populated, got %+v", results[0])
	}
	if got := input.Display(); got != "38.5" {
		t.Errorf("expected 38.5 displayed, got %q", got)
	}
}

func TestAutoPopulate_NoClient(t *testing.T) {
	svc := New(Config{})
	results := svc.AutoPopulateFromRequirements(context.Background(),
		[]Requirement{{FieldID: "a", Code: LOINCHeartRate}, {FieldID: "b", Code: LOINCBMI}})
	for _, r := range results {
		if r.Populated || r.Result.Found() {
			t.Errorf("expected nothing populated, got %+v", r)
		}
	}
}
