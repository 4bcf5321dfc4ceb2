package units

import (
	"errors"
	"testing"
)

func newGlucoseInput(t *testing.T) *BoundInput {
	t.Helper()
	spec, ok := SpecFor(Glucose)
	if !ok {
		t.Fatal("missing glucose spec")
	}
	return NewConverter().Bind(spec)
}

func TestBoundInput_StartsInDefaultUnit(t *testing.T) {
	in := newGlucoseInput(t)
	if in.Unit() != "mg/dL" {
		t.Errorf("Unit() = %q, want mg/dL", in.Unit())
	}
	if _, ok := in.Value(); ok {
		t.Error("new input should hold no value")
	}
}

func TestBoundInput_ToggleConvertsValue(t *testing.T) {
	in := newGlucoseInput(t)
	if err := in.Set(180.16, "mg/dL"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unit, err := in.Toggle()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unit != "mmol/L" {
		t.Errorf("Toggle() = %q, want mmol/L", unit)
	}
	v, _ := in.Value()
	if !approx(v, 10, 1e-9) {
		t.Errorf("value after toggle = %v, want 10", v)
	}
	if in.Display() != "10.0" {
		t.Errorf("Display() = %q, want 10.0", in.Display())
	}
	std, ok := in.Standard()
	if !ok || !approx(std, 180.16, 1e-9) {
		t.Errorf("Standard() = (%v, %v), want 180.16", std, ok)
	}

	unit, _ = in.Toggle()
	if unit != "mg/dL" {
		t.Errorf("second Toggle() = %q, want mg/dL", unit)
	}
}

func TestBoundInput_SetInFamilyUnitSwitches(t *testing.T) {
	in := newGlucoseInput(t)
	if err := in.Set(5.5, "mmol/l"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Unit() != "mmol/L" {
		t.Errorf("Unit() = %q, want mmol/L", in.Unit())
	}
}

func TestBoundInput_SetUnknownUnit(t *testing.T) {
	in := newGlucoseInput(t)
	err := in.Set(1, "parsecs")
	if !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected ErrUnknownUnit, got %v", err)
	}
	if err := in.SetUnit("parsecs"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected ErrUnknownUnit from SetUnit, got %v", err)
	}
}

func TestBoundInput_ClearKeepsUnit(t *testing.T) {
	in := newGlucoseInput(t)
	_ = in.Set(5, "mmol/L")
	in.Clear()
	if _, ok := in.Value(); ok {
		t.Error("expected no value after Clear")
	}
	if in.Unit() != "mmol/L" {
		t.Errorf("Unit() = %q, want mmol/L", in.Unit())
	}
	if in.Display() != "" {
		t.Errorf("Display() = %q, want empty", in.Display())
	}
}
