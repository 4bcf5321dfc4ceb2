package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/clinicaldata"
)

// DefaultQueueSize is the number of events buffered ahead of the recorder.
const DefaultQueueSize = 256

const recordTimeout = 5 * time.Second

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit service closed")

// Service queues audit events and records them on a background worker.
// Enqueueing never blocks: when the queue is full the event is dropped with
// a warning.
type Service struct {
	recorder Recorder
	logger   zerolog.Logger
	site     string
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *Event
	done   chan struct{}

	dropped  atomic.Int64
	recorded atomic.Int64
	failed   atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan *Event, n)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSite sets the source site stamped on every event.
func WithSite(site string) Option {
	return func(s *Service) { s.site = site }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService starts the worker. Call Close to drain and stop it.
func NewService(recorder Recorder, opts ...Option) *Service {
	s := &Service{
		recorder: recorder,
		logger:   zerolog.Nop(),
		now:      time.Now,
		queue:    make(chan *Event, DefaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "audit").Logger()
	go s.run()
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := s.recorder.Record(ctx, e)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn().Err(err).Str("audit_id", e.FHIRID).Msg("failed to record audit event")
			continue
		}
		s.recorded.Add(1)
	}
}

// LogPatientAccess records that calculatorID viewed resourceType data of a
// patient. It returns immediately.
func (s *Service) LogPatientAccess(ctx context.Context, patientID, patientName, resourceType, calculatorID string) {
	if patientID == "" {
		s.logger.Debug().Msg("no patient in context; access not audited")
		return
	}
	if resourceType == "" {
		resourceType = "Patient"
	}
	e := NewPatientAccessEvent(patientID, patientName, resourceType, calculatorID, s.now())
	if sid, ok := ctx.Value(sessionKey{}).(string); ok {
		e.SessionID = sid
	}
	s.Log(e)
}

// OnAccess records data-layer reads.
func (s *Service) OnAccess(a clinicaldata.AccessEvent) {
	e := NewPatientAccessEvent(a.PatientID, "", a.ResourceType, "", a.At)
	e.SubtypeCode = "search-type"
	e.SubtypeDisplay = "Search"
	e.EntityQuery = a.Code
	if a.Source == clinicaldata.SourceCache {
		e.OutcomeDesc = "served from cache"
	}
	s.Log(e)
}

// Log enqueues a prepared event.
func (s *Service) Log(e *Event) {
	if e.SourceSite == "" {
		e.SourceSite = s.site
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn().Str("audit_id", e.FHIRID).Msg("audit service closed; event dropped")
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn().Str("audit_id", e.FHIRID).Msg("audit queue full; event dropped")
	}
}

// Stats reports worker counters.
type Stats struct {
	Recorded int64 `json:"recorded"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Pending  int   `json:"pending"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Recorded: s.recorded.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		Pending:  len(s.queue),
	}
}

// Close stops accepting events and waits until queued events are recorded
// or ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sessionKey struct{}

// WithSession attaches a session id that LogPatientAccess stamps on events.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}
