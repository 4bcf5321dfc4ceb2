package provenance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medcalc/internal/platform/fhir"
)

// PatientContext identifies the patient whose data the calculators use.
type PatientContext struct {
	PatientID    string `json:"patientId"`
	PatientName  string `json:"patientName,omitempty"`
	Practitioner string `json:"practitioner,omitempty"`
}

// Source is an observation that contributed to a calculation.
type Source struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// DefaultQueueSize is the number of records buffered ahead of the sink.
const DefaultQueueSize = 256

const saveTimeout = 5 * time.Second

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("provenance service closed")

// Service records calculation provenance. Nothing it does returns an error
// to the caller; failures are logged. With a sink, records are persisted on
// a background worker and a full queue drops the write, never the record.
type Service struct {
	store     *Store
	sink      Sink
	logger    zerolog.Logger
	now       func() time.Time
	queueSize int

	mu      sync.RWMutex
	patient PatientContext

	qmu    sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}

	saved   atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

type Option func(*Service)

// WithSink adds durable persistence behind the in-memory store.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithQueueSize bounds the records waiting for the sink.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *Store, opts ...Option) *Service {
	if store == nil {
		store = NewStore(0)
	}
	s := &Service{store: store, logger: zerolog.Nop(), now: time.Now, queueSize: DefaultQueueSize}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "provenance").Logger()
	if s.sink != nil {
		s.queue = make(chan Record, s.queueSize)
		s.done = make(chan struct{})
		go s.run()
	}
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for r := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := s.sink.Save(ctx, r)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn().Err(err).Str("provenance_id", r.ID).Msg("failed to persist provenance")
			continue
		}
		s.saved.Add(1)
	}
}

func (s *Service) persist(r Record) {
	if s.queue == nil {
		return
	}
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		s.logger.Warn().Str("provenance_id", r.ID).Msg("provenance service closed; write dropped")
		return
	}
	select {
	case s.queue <- r:
	default:
		s.dropped.Add(1)
		s.logger.Warn().Str("provenance_id", r.ID).Msg("provenance queue full; write dropped")
	}
}

// PersistStats reports sink worker counters.
type PersistStats struct {
	Saved   int64 `json:"saved"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

func (s *Service) PersistStats() PersistStats {
	return PersistStats{
		Saved:   s.saved.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Pending: len(s.queue),
	}
}

// Close stops accepting writes and waits until queued records reach the
// sink or ctx is done. Without a sink it returns nil.
func (s *Service) Close(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.qmu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPatientContext binds the patient later calculations are attributed to.
func (s *Service) SetPatientContext(_ context.Context, pc PatientContext) {
	s.mu.Lock()
	s.patient = pc
	s.mu.Unlock()
	s.logger.Debug().Str("patient_id", pc.PatientID).Msg("patient context set")
}

func (s *Service) PatientContext() PatientContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patient
}

// RecordCalculation stores a Provenance entry targeting the current patient
// with each source as a "source" entity. It returns the record and false
// when no patient context is set.
func (s *Service) RecordCalculation(_ context.Context, calculatorID string, score float64, sources []Source) (Record, bool) {
	pc := s.PatientContext()
	if pc.PatientID == "" {
		s.logger.Warn().Str("calculator", calculatorID).Msg("no patient context; provenance not recorded")
		return Record{}, false
	}

	agent := pc.Practitioner
	if agent == "" {
		agent = "medcalc/" + calculatorID
	}
	r := Record{
		ID:              uuid.New().String(),
		TargetReference: fhir.FormatReference("Patient", pc.PatientID),
		Recorded:        s.now().UTC(),
		AgentWho:        agent,
		AgentType:       "author",
		ActivityCode:    "CREATE",
		ActivityDisplay: "create",
		Reason:          calculatorID + " score " + strconv.FormatFloat(score, 'f', -1, 64),
	}
	for _, src := range sources {
		if src.Reference == "" {
			continue
		}
		r.Entities = append(r.Entities, Entity{Role: "source", Reference: src.Reference, Display: src.Display})
	}

	s.store.Add(r)
	s.persist(r)
	return r, true
}

// Records returns provenance for the given patient, or every record when
// patientID is empty.
func (s *Service) Records(patientID string) []Record {
	if patientID == "" {
		return s.store.All()
	}
	return s.store.ForTarget(fhir.FormatReference("Patient", patientID))
}
