package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

// Create writes the audit row and its outbox row in one transaction.
func (r *auditRepository) Create(ctx context.Context, event *model.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()

	auditQuery := `
		INSERT INTO audit_events (id, job_id, actor_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	outboxQuery := `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, auditQuery,
			event.ID,
			event.JobID,
			event.ActorID,
			event.EventType,
			[]byte(event.Payload),
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create audit event: %w", err)
		}

		_, err = tx.ExecContext(ctx, outboxQuery,
			uuid.New(),
			event.EventType,
			[]byte(repository.OutboxPayload(event)),
			model.OutboxStatusPending,
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create outbox event: %w", err)
		}
		return nil
	})
}

func (r *auditRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.AuditEvent, error) {
	query := `
		SELECT id, job_id, actor_id, event_type, payload, created_at
		FROM audit_events
		WHERE job_id = $1
		ORDER BY created_at ASC
	`
	events := []*model.AuditEvent{}
	if err := r.db.SelectContext(ctx, &events, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
