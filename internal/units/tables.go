package units

// perBase lists how many of each unit equal one base unit. Every ordered pair
// in a family gets its own registered direction.
type perBase map[string]float64

func registerFamily(c *Converter, typ string, family perBase) {
	for from, fFrom := range family {
		for to, fTo := range family {
			if from == to {
				continue
			}
			c.Register(typ, from, to, Factor(fTo/fFrom))
		}
	}
}

func registerDefaults(c *Converter) {
	c.Register(Temperature, "degC", "degF", Func(func(v float64) float64 { return v*9/5 + 32 }))
	c.Register(Temperature, "degF", "degC", Func(func(v float64) float64 { return (v - 32) * 5 / 9 }))
	c.Register(Temperature, "degC", "K", Func(func(v float64) float64 { return v + 273.15 }))
	c.Register(Temperature, "K", "degC", Func(func(v float64) float64 { return v - 273.15 }))
	c.Register(Temperature, "degF", "K", Func(func(v float64) float64 { return (v-32)*5/9 + 273.15 }))
	c.Register(Temperature, "K", "degF", Func(func(v float64) float64 { return (v-273.15)*9/5 + 32 }))

	registerFamily(c, Weight, perBase{"kg": 1, "lb": 2.20462, "g": 1000})
	registerFamily(c, Height, perBase{"cm": 1, "in": 1 / 2.54, "m": 0.01})
	registerFamily(c, Glucose, perBase{"mg/dL": 1, "mmol/L": 1 / 18.016})
	registerFamily(c, Creatinine, perBase{"mg/dL": 1, "µmol/L": 88.4})
	registerFamily(c, Cholesterol, perBase{"mg/dL": 1, "mmol/L": 1 / 38.67})
	registerFamily(c, Triglycerides, perBase{"mg/dL": 1, "mmol/L": 1 / 88.57})
	registerFamily(c, Hemoglobin, perBase{"g/dL": 1, "g/L": 10, "mmol/L": 0.6206})
	registerFamily(c, BUN, perBase{"mg/dL": 1, "mmol/L": 0.357})
	registerFamily(c, Calcium, perBase{"mg/dL": 1, "mmol/L": 0.2495})
	registerFamily(c, Albumin, perBase{"g/dL": 1, "g/L": 10})
	registerFamily(c, Bilirubin, perBase{"mg/dL": 1, "µmol/L": 17.1})
	registerFamily(c, Pressure, perBase{"mmHg": 1, "kPa": 0.133322})
	registerFamily(c, Electrolyte, perBase{"mEq/L": 1, "mmol/L": 1})
	registerFamily(c, Magnesium, perBase{"mg/dL": 1, "mmol/L": 0.4114, "mEq/L": 0.8229})
	registerFamily(c, Phosphate, perBase{"mg/dL": 1, "mmol/L": 0.3229})
}

// UnitSpec describes the units an input may be entered in.
type UnitSpec struct {
	Type    string   `json:"type"`
	Units   []string `json:"units"`
	Default string   `json:"default"`
}

var specs = []UnitSpec{
	{Type: Temperature, Units: []string{"degC", "degF"}, Default: "degC"},
	{Type: Weight, Units: []string{"kg", "lb"}, Default: "kg"},
	{Type: Height, Units: []string{"cm", "in"}, Default: "cm"},
	{Type: Glucose, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
	{Type: Creatinine, Units: []string{"mg/dL", "µmol/L"}, Default: "mg/dL"},
	{Type: Cholesterol, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
	{Type: Triglycerides, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
	{Type: Hemoglobin, Units: []string{"g/dL", "g/L", "mmol/L"}, Default: "g/dL"},
	{Type: BUN, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
	{Type: Calcium, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
	{Type: Albumin, Units: []string{"g/dL", "g/L"}, Default: "g/dL"},
	{Type: Bilirubin, Units: []string{"mg/dL", "µmol/L"}, Default: "mg/dL"},
	{Type: Pressure, Units: []string{"mmHg", "kPa"}, Default: "mmHg"},
	{Type: Electrolyte, Units: []string{"mEq/L", "mmol/L"}, Default: "mEq/L"},
	{Type: Magnesium, Units: []string{"mg/dL", "mmol/L", "mEq/L"}, Default: "mg/dL"},
	{Type: Phosphate, Units: []string{"mg/dL", "mmol/L"}, Default: "mg/dL"},
}

// Specs returns a copy of the input unit families.
func Specs() []UnitSpec {
	out := make([]UnitSpec, len(specs))
	for i, s := range specs {
		s.Units = append([]string(nil), s.Units...)
		out[i] = s
	}
	return out
}

// SpecFor returns the unit family for typ.
func SpecFor(typ string) (UnitSpec, bool) {
	for _, s := range specs {
		if s.Type == typ {
			s.Units = append([]string(nil), s.Units...)
			return s, true
		}
	}
	return UnitSpec{}, false
}
