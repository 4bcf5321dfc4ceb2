package units

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownUnit is returned when a unit is not part of an input's family.
var ErrUnknownUnit = errors.New("unit not supported by input")

// BoundInput is the unit state of a single calculator input: the value as
// entered and the unit it is currently displayed in. It is the only mutable
// unit state in the package; conversion itself stays pure.
type BoundInput struct {
	mu    sync.Mutex
	conv  *Converter
	spec  UnitSpec
	unit  string
	value *float64
}

// Bind creates input state for spec, starting in the spec's default unit.
func (c *Converter) Bind(spec UnitSpec) *BoundInput {
	return &BoundInput{conv: c, spec: spec, unit: spec.Default}
}

// Spec returns the unit family of the input.
func (b *BoundInput) Spec() UnitSpec { return b.spec }

// Unit returns the unit currently shown.
func (b *BoundInput) Unit() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unit
}

// Value returns the held value in the current unit.
func (b *BoundInput) Value() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		return 0, false
	}
	return *b.value, true
}

// Set stores value expressed in unit. When unit is one of the family's units
// the input switches to it; otherwise the value is converted into the current
// unit, and an unconvertible value is rejected.
func (b *BoundInput) Set(value float64, unit string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	unit = NormalizeUnit(unit)
	if unit == "" || unit == b.unit {
		b.value = &value
		return nil
	}
	if b.supports(unit) {
		b.unit = unit
		b.value = &value
		return nil
	}
	v, ok := b.conv.Convert(value, unit, b.unit, b.spec.Type)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownUnit, unit, b.spec.Type)
	}
	b.value = &v
	return nil
}

// Clear forgets the held value but keeps the unit.
func (b *BoundInput) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = nil
}

// SetUnit switches the displayed unit, converting the held value.
func (b *BoundInput) SetUnit(unit string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.switchTo(NormalizeUnit(unit))
}

// Toggle moves to the next unit of the family and returns it.
func (b *BoundInput) Toggle() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.spec.Units) < 2 {
		return b.unit, nil
	}
	next := b.spec.Units[0]
	for i, u := range b.spec.Units {
		if u == b.unit {
			next = b.spec.Units[(i+1)%len(b.spec.Units)]
			break
		}
	}
	if err := b.switchTo(next); err != nil {
		return b.unit, err
	}
	return b.unit, nil
}

// Standard returns the held value converted to the family default unit,
// which is what scoring formulas consume.
func (b *BoundInput) Standard() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		return 0, false
	}
	return b.conv.Convert(*b.value, b.unit, b.spec.Default, b.spec.Type)
}

// Display renders the held value with the unit's display precision.
func (b *BoundInput) Display() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		return ""
	}
	return Format(*b.value, b.spec.Type, b.unit)
}

func (b *BoundInput) supports(unit string) bool {
	for _, u := range b.spec.Units {
		if u == unit {
			return true
		}
	}
	return false
}

func (b *BoundInput) switchTo(unit string) error {
	if unit == b.unit {
		return nil
	}
	if !b.supports(unit) {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownUnit, unit, b.spec.Type)
	}
	if b.value != nil {
		v, ok := b.conv.Convert(*b.value, b.unit, unit, b.spec.Type)
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrUnknownUnit, b.unit, unit)
		}
		b.value = &v
	}
	b.unit = unit
	return nil
}
