package clinicaldata

import "time"

// ObservationResult is the normalized latest value for a code. Value and
// Observation are nil when nothing usable was found. Results handed to
// callers may share Observation with other callers and must not be mutated.
type ObservationResult struct {
	Code          string                 `json:"code"`
	Value         *float64               `json:"value"`
	Unit          string                 `json:"unit,omitempty"`
	OriginalValue *float64               `json:"originalValue"`
	OriginalUnit  string                 `json:"originalUnit,omitempty"`
	Date          *time.Time             `json:"date"`
	IsStale       bool                   `json:"isStale"`
	AgeInDays     *int                   `json:"ageInDays"`
	AgeFormatted  string                 `json:"ageFormatted,omitempty"`
	Observation   map[string]interface{} `json:"observation"`
}

// HasValue reports whether a numeric value was found.
func (r ObservationResult) HasValue() bool { return r.Value != nil }

// Found reports whether an observation was found, numeric or not.
func (r ObservationResult) Found() bool { return r.Observation != nil }

func emptyResult(code string) ObservationResult {
	return ObservationResult{Code: code}
}

// Options tune a single GetObservation call.
type Options struct {
	// TargetUnit converts the value when it differs from the source unit.
	TargetUnit string
	// SkipCache forces a network fetch.
	SkipCache bool
	// TrackStaleness records the field in the staleness tracker.
	TrackStaleness bool
	// FieldID keys the staleness record; defaults to the requested code,
	// alternatives included.
	FieldID string
	// Label is shown in the staleness warning; defaults to the code.
	Label string
	// ComponentCode selects a component of a panel observation.
	ComponentCode string
}

func floatPtr(v float64) *float64 { return &v }
