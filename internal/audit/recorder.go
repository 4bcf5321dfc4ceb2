package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// LogRecorder writes events to a logger. It is used when no audit database
// is configured.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (r LogRecorder) Record(_ context.Context, e *Event) error {
	r.Logger.Info().
		Str("audit_id", e.FHIRID).
		Str("action", e.Action).
		Str("entity", e.EntityWhatRef).
		Str("resource_type", e.EntityWhatType).
		Str("calculator", e.SourceObserver).
		Str("query", e.EntityQuery).
		Time("recorded", e.Recorded).
		Msg("audit event")
	return nil
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder inserts events into the audit_event table.
type PostgresRecorder struct {
	db execer
}

// NewPostgresRecorder creates a recorder on db, normally a *pgxpool.Pool.
func NewPostgresRecorder(db execer) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

const insertEvent = `
	INSERT INTO audit_event (
		id, fhir_id, type_code, type_display, subtype_code, subtype_display,
		action, recorded, outcome, outcome_desc,
		agent_who_display, agent_name, agent_requestor,
		source_site, source_observer_id,
		entity_what_type, entity_what_reference, entity_what_display, entity_query,
		purpose_of_use_code, purpose_of_use_display, session_id
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
	)`

func (r *PostgresRecorder) Record(ctx context.Context, e *Event) error {
	_, err := r.db.Exec(ctx, insertEvent,
		e.ID, e.FHIRID, e.TypeCode, e.TypeDisplay, e.SubtypeCode, e.SubtypeDisplay,
		e.Action, e.Recorded, e.Outcome, e.OutcomeDesc,
		e.AgentWhoDisplay, e.AgentName, e.AgentRequestor,
		e.SourceSite, e.SourceObserver,
		e.EntityWhatType, e.EntityWhatRef, e.EntityWhatDisp, e.EntityQuery,
		e.PurposeCode, e.PurposeDisplay, e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
