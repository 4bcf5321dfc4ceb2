package clinicaldata

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

// fakeClient answers FHIR searches from canned resources keyed by code.
type fakeClient struct {
	patientID string

	mu           sync.Mutex
	observations map[string][]map[string]interface{}
	conditions   []map[string]interface{}
	medications  []map[string]interface{}
	patient      map[string]interface{}
	failCodes    map[string]error
	failAll      error
	calls        []string
	gate         chan struct{}
	started      chan struct{}
}

func newFakeClient(patientID string) *fakeClient {
	return &fakeClient{
		patientID:    patientID,
		observations: make(map[string][]map[string]interface{}),
		failCodes:    make(map[string]error),
	}
}

func (f *fakeClient) PatientID() string { return f.patientID }

func (f *fakeClient) addObservation(code string, obs map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations[code] = append(f.observations[code], obs)
}

func (f *fakeClient) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeClient) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeClient) Request(ctx context.Context, path string) (map[string]interface{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	first := len(f.calls) == 1
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil && first {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}

	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	q := u.Query()

	switch {
	case u.Path == "Observation":
		code := q.Get("code")
		if err := f.failCodes[code]; err != nil {
			return nil, err
		}
		if q.Get("patient") != f.patientID {
			return bundleOf(), nil
		}
		var all []map[string]interface{}
		for _, c := range strings.Split(code, ",") {
			all = append(all, f.observations[c]...)
		}
		if q.Get("_count") == "1" && len(all) > 1 {
			all = all[:1]
		}
		return bundleOf(all...), nil
	case u.Path == "Condition":
		return bundleOf(f.conditions...), nil
	case u.Path == "MedicationRequest":
		return bundleOf(f.medications...), nil
	case strings.HasPrefix(u.Path, "Patient/"):
		if f.patient == nil {
			return nil, errors.New("status 404")
		}
		return f.patient, nil
	}
	return nil, errors.New("unexpected path " + path)
}

func bundleOf(resources ...map[string]interface{}) map[string]interface{} {
	entries := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
	}
}

func quantityObservation(id, code string, value float64, unit string, date time.Time) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": code},
			},
		},
		"effectiveDateTime": date.Format(time.RFC3339),
		"valueQuantity":     map[string]interface{}{"value": value, "unit": unit},
	}
}

func withSecurity(res map[string]interface{}, label string) map[string]interface{} {
	res["meta"] = map[string]interface{}{
		"security": []interface{}{
			map[string]interface{}{
				"system": "http://terminology.hl7.org/CodeSystem/v3-Confidentiality",
				"code":   label,
			},
		},
	}
	return res
}

type recordingWriter struct {
	mu     sync.Mutex
	values map[string]float64
	units  map[string]string
	failOn string
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{values: make(map[string]float64), units: make(map[string]string)}
}

func (w *recordingWriter) WriteField(fieldID string, value float64, unit string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fieldID == w.failOn {
		return errors.New("input not found")
	}
	w.values[fieldID] = value
	w.units[fieldID] = unit
	return nil
}
