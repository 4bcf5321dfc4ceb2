// Package units converts clinical measurements between unit systems.
//
// Every conversion is registered per direction. A table that only knows
// degC->degF answers degF->degC with ok=false instead of guessing.
package units

import (
	"strings"
	"sync"
)

// Measurement types with registered tables.
const (
	Temperature   = "temperature"
	Weight        = "weight"
	Height        = "height"
	Glucose       = "glucose"
	Creatinine    = "creatinine"
	Cholesterol   = "cholesterol"
	Triglycerides = "triglycerides"
	Hemoglobin    = "hemoglobin"
	BUN           = "bun"
	Calcium       = "calcium"
	Albumin       = "albumin"
	Bilirubin     = "bilirubin"
	Pressure      = "pressure"
	Electrolyte   = "electrolyte"
	Magnesium     = "magnesium"
	Phosphate     = "phosphate"
)

// Conversion maps a value from one unit to another. It is either a linear
// factor or an arbitrary function (temperature scales are affine).
type Conversion struct {
	factor float64
	fn     func(float64) float64
}

// Factor returns a multiplicative conversion.
func Factor(f float64) Conversion { return Conversion{factor: f} }

// Func returns a conversion computed by fn.
func Func(fn func(float64) float64) Conversion { return Conversion{fn: fn} }

func (c Conversion) apply(v float64) float64 {
	if c.fn != nil {
		return c.fn(v)
	}
	return v * c.factor
}

// Converter holds directional conversion tables keyed by measurement type.
// The zero value is not usable; use NewConverter or NewEmptyConverter.
type Converter struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]Conversion
}

// NewEmptyConverter returns a converter with no registered tables.
func NewEmptyConverter() *Converter {
	return &Converter{tables: make(map[string]map[string]map[string]Conversion)}
}

// NewConverter returns a converter loaded with the clinical tables.
func NewConverter() *Converter {
	c := NewEmptyConverter()
	registerDefaults(c)
	return c
}

// Register adds the from->to conversion for typ. The reverse direction is
// not implied.
func (c *Converter) Register(typ, from, to string, conv Conversion) {
	from, to = NormalizeUnit(from), NormalizeUnit(to)
	c.mu.Lock()
	defer c.mu.Unlock()
	byFrom, ok := c.tables[typ]
	if !ok {
		byFrom = make(map[string]map[string]Conversion)
		c.tables[typ] = byFrom
	}
	byTo, ok := byFrom[from]
	if !ok {
		byTo = make(map[string]Conversion)
		byFrom[from] = byTo
	}
	byTo[to] = conv
}

// Convert converts value from one unit to another within typ. Equal units
// return value unchanged regardless of typ. ok is false when typ or the
// from->to direction has no registered conversion.
func (c *Converter) Convert(value float64, from, to, typ string) (float64, bool) {
	if from == to {
		return value, true
	}
	from, to = NormalizeUnit(from), NormalizeUnit(to)
	if from == to {
		return value, true
	}
	c.mu.RLock()
	conv, ok := c.tables[typ][from][to]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return conv.apply(value), true
}

// CanConvert reports whether a from->to conversion exists for typ.
func (c *Converter) CanConvert(from, to, typ string) bool {
	_, ok := c.Convert(0, from, to, typ)
	return ok
}

// Types returns the measurement types with at least one table.
func (c *Converter) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	return out
}

var unitAliases = map[string]string{
	"°c":         "degC",
	"c":          "degC",
	"cel":        "degC",
	"degc":       "degC",
	"celsius":    "degC",
	"°f":         "degF",
	"f":          "degF",
	"[degf]":     "degF",
	"degf":       "degF",
	"fahrenheit": "degF",
	"k":          "K",
	"kelvin":     "K",
	"kg":         "kg",
	"kilogram":   "kg",
	"lb":         "lb",
	"lbs":        "lb",
	"[lb_av]":    "lb",
	"pound":      "lb",
	"g":          "g",
	"cm":         "cm",
	"in":         "in",
	"[in_i]":     "in",
	"inch":       "in",
	"m":          "m",
	"mg/dl":      "mg/dL",
	"mmol/l":     "mmol/L",
	"umol/l":     "µmol/L",
	"µmol/l":     "µmol/L",
	"μmol/l":     "µmol/L",
	"g/dl":       "g/dL",
	"g/l":        "g/L",
	"mm[hg]":     "mmHg",
	"mmhg":       "mmHg",
	"kpa":        "kPa",
	"meq/l":      "mEq/L",
}

// NormalizeUnit maps UCUM codes and common spellings onto the canonical unit
// names used by the tables. Unknown units are returned trimmed.
func NormalizeUnit(unit string) string {
	u := strings.TrimSpace(unit)
	if canon, ok := unitAliases[strings.ToLower(u)]; ok {
		return canon
	}
	return u
}
