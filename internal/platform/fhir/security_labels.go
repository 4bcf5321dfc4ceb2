package fhir

// Confidentiality classification labels from the HL7 v3 ConfidentialityClassification
// code system. These form a hierarchy: U < L < M < N < R < V.
const (
	LabelUnrestricted   = "U" // unrestricted
	LabelLow            = "L" // low
	LabelModerate       = "M" // moderate
	LabelNormal         = "N" // normal
	LabelRestricted     = "R" // restricted
	LabelVeryRestricted = "V" // very restricted
)

// Data sensitivity labels from the HL7 v3 ActCode code system.
const (
	LabelHIV = "HIV" // HIV/AIDS
	LabelPSY = "PSY" // psychiatry
	LabelSDV = "SDV" // sexual and domestic violence
	LabelETH = "ETH" // substance abuse
	LabelSTD = "STD" // sexually transmitted disease
)

// SecurityLabelSystem is the FHIR code system URI for confidentiality classifications.
const SecurityLabelSystem = "http://terminology.hl7.org/CodeSystem/v3-Confidentiality"

// ActCodeSystem is the FHIR code system URI for act codes including sensitivity labels.
const ActCodeSystem = "http://terminology.hl7.org/CodeSystem/v3-ActCode"

var confidentialityOrder = map[string]int{
	LabelUnrestricted:   0,
	LabelLow:            1,
	LabelModerate:       2,
	LabelNormal:         3,
	LabelRestricted:     4,
	LabelVeryRestricted: 5,
}

// ConfidentialityLevel returns a numeric level for the given confidentiality code.
// Higher values mean more restricted. Unknown codes return -1.
func ConfidentialityLevel(code string) int {
	if level, ok := confidentialityOrder[code]; ok {
		return level
	}
	return -1
}

// SecurityContext describes what a display context is cleared to show.
type SecurityContext struct {
	// MaxConfidentiality is the highest confidentiality code that may be shown.
	MaxConfidentiality string

	// AllowedLabels lists the sensitivity labels (HIV, PSY, ...) that may be
	// shown. A nil slice means sensitivity labels are not checked at all.
	AllowedLabels []string
}

// CalculatorContext is the clearance of a point-of-care calculator: everything
// up to "normal" confidentiality, with sensitivity labels left to the EHR.
// Restricted and very restricted resources are withheld.
var CalculatorContext = SecurityContext{MaxConfidentiality: LabelNormal}

// CanAccessResource checks whether sc allows showing a resource whose meta is
// given as decoded JSON. A meta without security codings is always visible.
func CanAccessResource(sc SecurityContext, resourceMeta map[string]interface{}) bool {
	codings := extractSecurityCodings(resourceMeta)
	if len(codings) == 0 {
		return true
	}

	maxLevel := ConfidentialityLevel(sc.MaxConfidentiality)

	var allowed map[string]bool
	if sc.AllowedLabels != nil {
		allowed = make(map[string]bool, len(sc.AllowedLabels))
		for _, l := range sc.AllowedLabels {
			allowed[l] = true
		}
	}

	for _, coding := range codings {
		if coding.System == SecurityLabelSystem || coding.System == "" {
			level := ConfidentialityLevel(coding.Code)
			if level >= 0 && maxLevel >= 0 && level > maxLevel {
				return false
			}
		}
		if allowed != nil && (coding.System == ActCodeSystem || coding.System == "") {
			if isSensitivityLabel(coding.Code) && !allowed[coding.Code] {
				return false
			}
		}
	}
	return true
}

// IsRestricted reports whether a decoded resource carries a confidentiality
// label above what a calculator may display (R or V).
func IsRestricted(res map[string]interface{}) bool {
	meta, _ := res["meta"].(map[string]interface{})
	return !CanAccessResource(CalculatorContext, meta)
}

// FilterAccessible drops restricted resources and returns how many were dropped.
func FilterAccessible(resources []map[string]interface{}) ([]map[string]interface{}, int) {
	out := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		if IsRestricted(r) {
			continue
		}
		out = append(out, r)
	}
	return out, len(resources) - len(out)
}

func extractSecurityCodings(meta map[string]interface{}) []Coding {
	if meta == nil {
		return nil
	}
	list, ok := meta["security"].([]interface{})
	if !ok {
		return nil
	}
	codings := make([]Coding, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var c Coding
		c.System, _ = m["system"].(string)
		c.Code, _ = m["code"].(string)
		if c.Code != "" {
			codings = append(codings, c)
		}
	}
	return codings
}

func isSensitivityLabel(code string) bool {
	switch code {
	case LabelHIV, LabelPSY, LabelSDV, LabelETH, LabelSTD:
		return true
	}
	return false
}
