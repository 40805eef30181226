package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/pkg/logger"
)

type Service struct {
	repo   repository.AuditRepository
	logger *logger.Logger
}

func NewService(repo repository.AuditRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, logger: log}
}

// Record appends an audit event for a job. actorID may be nil for system
// events.
func (s *Service) Record(ctx context.Context, jobID uuid.UUID, actorID *uuid.UUID, eventType string, payload interface{}) error {
	return s.record(ctx, &jobID, actorID, eventType, payload)
}

// RecordActor appends an event that belongs to a user rather than a job.
func (s *Service) RecordActor(ctx context.Context, actorID uuid.UUID, eventType string, payload interface{}) error {
	return s.record(ctx, nil, &actorID, eventType, payload)
}

func (s *Service) record(ctx context.Context, jobID *uuid.UUID, actorID *uuid.UUID, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	event := &model.AuditEvent{
		JobID:     jobID,
		ActorID:   actorID,
		EventType: eventType,
		Payload:   data,
	}
	if err := s.repo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to record %s: %w", eventType, err)
	}

	s.logger.WithContext(ctx).Debug("Audit event recorded", "event_type", eventType)
	return nil
}

func (s *Service) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.AuditEvent, error) {
	return s.repo.ListByJob(ctx, jobID)
}
