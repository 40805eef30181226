package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type signingRepository struct {
	BaseRepository
}

func NewSigningRepository(base BaseRepository) repository.SigningRepository {
	return &signingRepository{base}
}

func (r *signingRepository) CreateIntent(ctx context.Context, intent *model.SigningIntent) error {
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	query := `
		INSERT INTO signing_intents (
			id, job_id, issued_to, challenge_code, signature_meaning, issued_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		intent.ID,
		intent.JobID,
		intent.IssuedTo,
		intent.ChallengeCode,
		intent.Meaning,
		intent.IssuedAt,
		intent.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create signing intent: %w", err)
	}
	return nil
}

func (r *signingRepository) GetIntent(ctx context.Context, id uuid.UUID) (*model.SigningIntent, error) {
	query := `
		SELECT id, job_id, issued_to, challenge_code, signature_meaning, issued_at, expires_at, consumed_at
		FROM signing_intents
		WHERE id = $1
	`
	var intent model.SigningIntent
	if err := r.db.GetContext(ctx, &intent, query, id); err != nil {
		return nil, fmt.Errorf("failed to get signing intent: %w", notFound(err))
	}
	return &intent, nil
}

func (r *signingRepository) ConsumeIntent(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE signing_intents
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $2
	`
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume signing intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume signing intent: %w", err)
	}
	return n == 1, nil
}

func (r *signingRepository) DeleteExpiredIntents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM signing_intents WHERE consumed_at IS NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired signing intents: %w", err)
	}
	return res.RowsAffected()
}

func (r *signingRepository) GetPIN(ctx context.Context, userID uuid.UUID) (*model.SignaturePIN, error) {
	query := `
		SELECT user_id, pin_hash, failed_attempts, locked_until, updated_at
		FROM signature_pins
		WHERE user_id = $1
	`
	var pin model.SignaturePIN
	if err := r.db.GetContext(ctx, &pin, query, userID); err != nil {
		return nil, fmt.Errorf("failed to get signature pin: %w", notFound(err))
	}
	return &pin, nil
}

func (r *signingRepository) UpsertPIN(ctx context.Context, pin *model.SignaturePIN) error {
	pin.FailedAttempts = 0
	pin.LockedUntil = nil
	pin.UpdatedAt = time.Now()
	query := `
		INSERT INTO signature_pins (user_id, pin_hash, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, 0, NULL, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET pin_hash = EXCLUDED.pin_hash, failed_attempts = 0, locked_until = NULL, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, pin.UserID, pin.PINHash, pin.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save signature pin: %w", err)
	}
	return nil
}

// RecordPINFailure increments the failure counter and, once it reaches
// maxAttempts, locks the PIN until lockUntil and resets the counter.
func (r *signingRepository) RecordPINFailure(ctx context.Context, userID uuid.UUID, maxAttempts int, lockUntil time.Time) (*model.SignaturePIN, error) {
	query := `
		UPDATE signature_pins
		SET failed_attempts = CASE WHEN failed_attempts + 1 >= $2 THEN 0 ELSE failed_attempts + 1 END,
			locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING user_id, pin_hash, failed_attempts, locked_until, updated_at
	`
	var pin model.SignaturePIN
	if err := r.db.GetContext(ctx, &pin, query, userID, maxAttempts, lockUntil); err != nil {
		return nil, fmt.Errorf("failed to record pin failure: %w", notFound(err))
	}
	return &pin, nil
}

func (r *signingRepository) ResetPINFailures(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE signature_pins SET failed_attempts = 0, locked_until = NULL, updated_at = NOW() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset pin failures: %w", err)
	}
	return nil
}
