package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultCapacity bounds the in-memory store.
const DefaultCapacity = 1000

// Store is a thread-safe in-memory ring of recent records. When full the
// oldest record is discarded.
type Store struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

// NewStore creates a store holding at most capacity records. A capacity of
// zero or less uses DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, records: make([]Record, 0)}
}

func (s *Store) Add(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == s.capacity {
		copy(s.records, s.records[1:])
		s.records = s.records[:len(s.records)-1]
	}
	s.records = append(s.records, r)
}

// All returns a copy of the stored records, oldest first.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Record, len(s.records))
	copy(result, s.records)
	return result
}

// ForTarget returns the records whose target matches ref.
func (s *Store) ForTarget(ref string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.TargetReference == ref {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sink persists records beyond the process.
type Sink interface {
	Save(ctx context.Context, r Record) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes records to the provenance table.
type PostgresSink struct {
	db execer
}

func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Save(ctx context.Context, r Record) error {
	entities, err := json.Marshal(r.Entities)
	if err != nil {
		return fmt.Errorf("marshal provenance entities: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO provenance (
			fhir_id, target_reference, recorded, agent_who, agent_type,
			activity_code, activity_display, reason, entities
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.TargetReference, r.Recorded, r.AgentWho, r.AgentType,
		r.ActivityCode, r.ActivityDisplay, r.Reason, entities,
	)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}
