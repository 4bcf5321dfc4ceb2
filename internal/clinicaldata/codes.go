package clinicaldata

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ehr/medcalc/internal/units"
)

// ErrInvalidCode is returned by ValidateCode for a malformed code.
var ErrInvalidCode = errors.New("invalid observation code")

// LOINC codes requested by the calculators.
const (
	LOINCBodyTemperature  = "8310-5"
	LOINCOralTemperature  = "8331-1"
	LOINCHeartRate        = "8867-4"
	LOINCRespiratoryRate  = "9279-1"
	LOINCOxygenSaturation = "59408-5"
	LOINCBloodPressure    = "85354-9"
	LOINCSystolicBP       = "8480-6"
	LOINCDiastolicBP      = "8462-4"
	LOINCBodyWeight       = "29463-7"
	LOINCBodyHeight       = "8302-2"
	LOINCBMI              = "39156-5"
	LOINCGlucose          = "2345-7"
	LOINCGlucoseBlood     = "2339-0"
	LOINCHbA1c            = "4548-4"
	LOINCCreatinine       = "2160-0"
	LOINCBUN              = "3094-0"
	LOINCSodium           = "2951-2"
	LOINCPotassium        = "2823-3"
	LOINCChloride         = "2075-0"
	LOINCBicarbonate      = "1963-8"
	LOINCCalcium          = "17861-6"
	LOINCMagnesium        = "19123-9"
	LOINCPhosphate        = "2777-1"
	LOINCAlbumin          = "1751-7"
	LOINCBilirubinTotal   = "1975-2"
	LOINCHemoglobin       = "718-7"
	LOINCCholesterolTotal = "2093-3"
	LOINCHDL              = "2085-9"
	LOINCLDL              = "13457-7"
	LOINCTriglycerides    = "2571-8"
	LOINCPlatelets        = "777-3"
	LOINCWBC              = "6690-2"
	LOINCINR              = "6301-6"
	LOINCLactate          = "2524-7"
	LOINCGlasgowComaScore = "9269-2"
	LOINCArterialPH       = "2744-1"
	LOINCPaO2             = "2703-7"
	LOINCFiO2             = "3150-0"
)

var measurementTypes = map[string]string{
	LOINCBodyTemperature:  units.Temperature,
	LOINCOralTemperature:  units.Temperature,
	LOINCBodyWeight:       units.Weight,
	LOINCBodyHeight:       units.Height,
	LOINCGlucose:          units.Glucose,
	LOINCGlucoseBlood:     units.Glucose,
	LOINCCreatinine:       units.Creatinine,
	LOINCBUN:              units.BUN,
	LOINCCholesterolTotal: units.Cholesterol,
	LOINCHDL:              units.Cholesterol,
	LOINCLDL:              units.Cholesterol,
	LOINCTriglycerides:    units.Triglycerides,
	LOINCHemoglobin:       units.Hemoglobin,
	LOINCCalcium:          units.Calcium,
	LOINCAlbumin:          units.Albumin,
	LOINCBilirubinTotal:   units.Bilirubin,
	LOINCBloodPressure:    units.Pressure,
	LOINCSystolicBP:       units.Pressure,
	LOINCDiastolicBP:      units.Pressure,
	LOINCPaO2:             units.Pressure,
	LOINCSodium:           units.Electrolyte,
	LOINCPotassium:        units.Electrolyte,
	LOINCChloride:         units.Electrolyte,
	LOINCBicarbonate:      units.Electrolyte,
	LOINCMagnesium:        units.Magnesium,
	LOINCPhosphate:        units.Phosphate,
}

// MeasurementType returns the units family of a code. A "system|code" token
// is looked up by its code part.
func MeasurementType(code string) (string, bool) {
	if i := strings.LastIndexByte(code, '|'); i >= 0 {
		code = code[i+1:]
	}
	t, ok := measurementTypes[code]
	return t, ok
}

var (
	loincPattern = regexp.MustCompile(`^\d{1,7}-\d$`)
	tokenPattern = regexp.MustCompile(`^[^|\s]+\|[^|\s]+$`)
)

// SplitAlternatives splits a comma-separated list of alternative codes,
// dropping blanks.
func SplitAlternatives(code string) []string {
	parts := strings.Split(code, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateCode checks that every alternative is a LOINC code or a
// "system|code" token.
func ValidateCode(code string) error {
	alts := SplitAlternatives(code)
	if len(alts) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	for _, a := range alts {
		if !loincPattern.MatchString(a) && !tokenPattern.MatchString(a) {
			return fmt.Errorf("%w: %q", ErrInvalidCode, a)
		}
	}
	return nil
}
