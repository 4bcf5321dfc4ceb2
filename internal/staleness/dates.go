package staleness

import (
	"fmt"
	"time"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// dateFields lists where an observation may record when it was true, in
// the order they are consulted.
var dateFields = []string{
	"effectiveDateTime",
	"effectiveInstant",
	"effectivePeriod.end",
	"effectivePeriod.start",
	"issued",
}

// EffectiveDate returns the clinically relevant date of obs.
func EffectiveDate(obs map[string]interface{}) (time.Time, bool) {
	if obs == nil {
		return time.Time{}, false
	}
	for _, field := range dateFields {
		raw := fhir.StringAt(obs, field)
		if raw == "" {
			continue
		}
		if t, err := ParseDate(raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDate parses a FHIR date, dateTime or instant. Partial dates resolve
// to their first instant in UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized FHIR date %q", s)
}

// FormatAge renders an age in days using 30-day months and 365-day years.
func FormatAge(days int) string {
	switch {
	case days < 30:
		return plural(days, "day") + " ago"
	case days < 365:
		return plural(days/30, "month") + " ago"
	default:
		years := days / 365
		months := (days % 365) / 30
		if months == 0 {
			return plural(years, "year") + " ago"
		}
		return plural(years, "year") + " " + plural(months, "month") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
