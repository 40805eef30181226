package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type feedbackRepository struct {
	BaseRepository
}

func NewFeedbackRepository(base BaseRepository) repository.FeedbackRepository {
	return &feedbackRepository{base}
}

func (r *feedbackRepository) Create(ctx context.Context, feedback *model.PharmacistFeedback) error {
	if feedback.ID == uuid.Nil {
		feedback.ID = uuid.New()
	}
	feedback.CreatedAt = time.Now()

	query := `
		INSERT INTO pharmacist_feedback (id, job_id, author_id, decision, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		feedback.ID,
		feedback.JobID,
		feedback.AuthorID,
		feedback.Decision,
		feedback.Feedback,
		feedback.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pharmacist feedback: %w", err)
	}
	return nil
}
