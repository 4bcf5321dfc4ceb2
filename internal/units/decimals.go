package units

import (
	"math"
	"strconv"
)

// DefaultDecimalPlaces applies when a type/unit has no entry.
const DefaultDecimalPlaces = 1

var decimalPlaces = map[string]map[string]int{
	Temperature:   {"degC": 1, "degF": 1, "K": 1},
	Weight:        {"kg": 1, "lb": 1, "g": 0},
	Height:        {"cm": 1, "in": 1, "m": 2},
	Glucose:       {"mg/dL": 0, "mmol/L": 1},
	Creatinine:    {"mg/dL": 2, "µmol/L": 0},
	Cholesterol:   {"mg/dL": 0, "mmol/L": 2},
	Triglycerides: {"mg/dL": 0, "mmol/L": 2},
	Hemoglobin:    {"g/dL": 1, "g/L": 0, "mmol/L": 1},
	BUN:           {"mg/dL": 0, "mmol/L": 1},
	Calcium:       {"mg/dL": 1, "mmol/L": 2},
	Albumin:       {"g/dL": 1, "g/L": 0},
	Bilirubin:     {"mg/dL": 1, "µmol/L": 0},
	Pressure:      {"mmHg": 0, "kPa": 1},
	Electrolyte:   {"mEq/L": 0, "mmol/L": 0},
	Magnesium:     {"mg/dL": 1, "mmol/L": 2, "mEq/L": 1},
	Phosphate:     {"mg/dL": 1, "mmol/L": 2},
}

// DecimalPlaces returns the display precision for a value of typ in unit.
// It is only used for rendering; normalized values are never rounded.
func DecimalPlaces(typ, unit string) int {
	if byUnit, ok := decimalPlaces[typ]; ok {
		if n, ok := byUnit[NormalizeUnit(unit)]; ok {
			return n
		}
	}
	return DefaultDecimalPlaces
}

// Round rounds v half away from zero to places decimals.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Format renders v with the display precision for typ/unit.
func Format(v float64, typ, unit string) string {
	return strconv.FormatFloat(v, 'f', DecimalPlaces(typ, unit), 64)
}
