package staleness

import (
	"sync"

	"github.com/rs/zerolog"
)

// Banner keeps the last rendered warning list per element id so an HTTP or
// UI layer can read it back.
type Banner struct {
	mu       sync.RWMutex
	rendered map[string][]Record
}

// NewBanner creates an empty Banner.
func NewBanner() *Banner {
	return &Banner{rendered: make(map[string][]Record)}
}

// Render implements Presenter.
func (b *Banner) Render(elementID string, records []Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(records) == 0 {
		delete(b.rendered, elementID)
		return
	}
	b.rendered[elementID] = append([]Record(nil), records...)
}

// Records returns what is currently shown in elementID.
func (b *Banner) Records(elementID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Record(nil), b.rendered[elementID]...)
}

// Visible reports whether elementID currently shows any warning.
func (b *Banner) Visible(elementID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rendered[elementID]) > 0
}

// LogPresenter writes warning list changes to a logger.
type LogPresenter struct {
	Logger zerolog.Logger
}

// Render implements Presenter.
func (p LogPresenter) Render(elementID string, records []Record) {
	if len(records) == 0 {
		p.Logger.Debug().Str("element", elementID).Msg("staleness warnings cleared")
		return
	}
	fields := make([]string, len(records))
	for i, r := range records {
		fields[i] = r.FieldID + " (" + r.AgeFormatted + ")"
	}
	p.Logger.Warn().
		Str("element", elementID).
		Int("count", len(records)).
		Strs("fields", fields).
		Msg("stale clinical data in use")
}

// Presenters fans a render out to several presenters.
type Presenters []Presenter

// Render implements Presenter.
func (ps Presenters) Render(elementID string, records []Record) {
	for _, p := range ps {
		p.Render(elementID, records)
	}
}

// Publisher broadcasts a payload on a topic.
type Publisher interface {
	Publish(topic, typ string, data interface{})
}

// FeedPresenter publishes each element's warning list as a "staleness"
// message on a topic named after the element. An empty list publishes nil.
type FeedPresenter struct {
	Publisher Publisher
}

// Render implements Presenter.
func (p FeedPresenter) Render(elementID string, records []Record) {
	if len(records) == 0 {
		p.Publisher.Publish(elementID, "staleness", nil)
		return
	}
	p.Publisher.Publish(elementID, "staleness", records)
}
