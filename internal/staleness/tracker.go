// Package staleness decides whether a clinical value is too old to use
// without re-verification and keeps the per-calculator list of such values.
//
// Clinical staleness is unrelated to cache expiry: a value fetched a second
// ago can still describe a lab drawn two years ago.
package staleness

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the age past which a value is considered stale.
	DefaultThreshold = 90 * 24 * time.Hour
	// DefaultElementID is where the warning banner is rendered.
	DefaultElementID = "staleness-warnings"
)

// Info is the staleness assessment of one observation.
type Info struct {
	IsStale      bool      `json:"isStale"`
	Date         time.Time `json:"date"`
	AgeInDays    int       `json:"ageInDays"`
	AgeFormatted string    `json:"ageFormatted"`
}

// Record is one entry of the warning list, keyed by UI field id.
type Record struct {
	FieldID      string    `json:"fieldId"`
	Code         string    `json:"code"`
	Label        string    `json:"label"`
	Date         time.Time `json:"date"`
	AgeInDays    int       `json:"ageInDays"`
	AgeFormatted string    `json:"ageFormatted"`
}

// Presenter renders the current warning list. It stands in for the banner
// element of a calculator page.
type Presenter interface {
	Render(elementID string, records []Record)
}

// Tracker holds the stale fields of one calculator container.
type Tracker struct {
	mu        sync.Mutex
	threshold time.Duration
	elementID string
	presenter Presenter
	now       func() time.Time
	records   map[string]Record
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold overrides DefaultThreshold. Non-positive values are ignored.
func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.threshold = d
		}
	}
}

// WithElementID overrides DefaultElementID.
func WithElementID(id string) Option {
	return func(t *Tracker) {
		if id != "" {
			t.elementID = id
		}
	}
}

// WithPresenter sets where refreshes are sent.
func WithPresenter(p Presenter) Option {
	return func(t *Tracker) { t.presenter = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		threshold: DefaultThreshold,
		elementID: DefaultElementID,
		now:       time.Now,
		records:   make(map[string]Record),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Threshold returns the configured staleness threshold.
func (t *Tracker) Threshold() time.Duration { return t.threshold }

// ElementID returns the banner element id.
func (t *Tracker) ElementID() string { return t.elementID }

// CheckStaleness assesses obs against the threshold. It returns nil when obs
// carries no usable date: that means "cannot assess", not "stale".
func (t *Tracker) CheckStaleness(obs map[string]interface{}) *Info {
	date, ok := EffectiveDate(obs)
	if !ok {
		return nil
	}
	return Assess(date, t.now(), t.threshold)
}

// Assess computes staleness of a value recorded at date.
func Assess(date, now time.Time, threshold time.Duration) *Info {
	age := now.Sub(date)
	days := int(age / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return &Info{
		IsStale:      age > threshold,
		Date:         date,
		AgeInDays:    days,
		AgeFormatted: FormatAge(days),
	}
}

// TrackObservation assesses obs for fieldID. A stale observation upserts a
// record; anything else removes the field's record, so a field that becomes
// fresh again drops out of the warning list. Every call refreshes the
// presenter.
func (t *Tracker) TrackObservation(fieldID string, obs map[string]interface{}, code, label string) *Info {
	info := t.CheckStaleness(obs)

	t.mu.Lock()
	if info != nil && info.IsStale {
		if label == "" {
			label = code
		}
		t.records[fieldID] = Record{
			FieldID:      fieldID,
			Code:         code,
			Label:        label,
			Date:         info.Date,
			AgeInDays:    info.AgeInDays,
			AgeFormatted: info.AgeFormatted,
		}
	} else {
		delete(t.records, fieldID)
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.render(snapshot)
	return info
}

// ClearField removes the record for fieldID, e.g. after manual entry.
func (t *Tracker) ClearField(fieldID string) {
	t.mu.Lock()
	_, existed := t.records[fieldID]
	delete(t.records, fieldID)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if existed {
		t.render(snapshot)
	}
}

// ClearAll empties the warning list.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	t.records = make(map[string]Record)
	t.mu.Unlock()
	t.render(nil)
}

// Records returns the current warnings ordered by field id.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Record returns the warning for fieldID, if any.
func (t *Tracker) Record(fieldID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[fieldID]
	return r, ok
}

// Count returns the number of stale fields.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// HasStaleData reports whether any field is stale.
func (t *Tracker) HasStaleData() bool { return t.Count() > 0 }

func (t *Tracker) snapshotLocked() []Record {
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}

func (t *Tracker) render(records []Record) {
	if t.presenter == nil {
		return
	}
	t.presenter.Render(t.elementID, records)
}
