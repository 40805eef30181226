// Package signing issues one-time signing intents and verifies them together
// with the signer's PIN.
package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/internal/service/audit"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
	"github.com/jwalitptl/compounding-api/pkg/security"
)

const challengeLength = 8

type Config struct {
	IntentTTL       time.Duration
	MaxPINAttempts  int
	LockoutDuration time.Duration
}

type Service struct {
	cfg     Config
	jobs    repository.JobRepository
	repo    repository.SigningRepository
	hasher  security.PINHasher
	audit   *audit.Service
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(cfg Config, jobs repository.JobRepository, repo repository.SigningRepository, hasher security.PINHasher, auditSvc *audit.Service, log *logger.Logger, m *metrics.Metrics) *Service {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 10 * time.Minute
	}
	if cfg.MaxPINAttempts <= 0 {
		cfg.MaxPINAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		cfg:     cfg,
		jobs:    jobs,
		repo:    repo,
		hasher:  hasher,
		audit:   auditSvc,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// IssueIntent creates a single-use challenge for signing the job's approval.
func (s *Service) IssueIntent(ctx context.Context, jobID, userID uuid.UUID, meaning string) (*model.SigningIntent, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("job", err)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job.Status != model.JobStatusVerified {
		return nil, apperrors.NewConflict("Only verified jobs can be signed.", nil)
	}

	code, err := security.NewChallengeCode(challengeLength)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}

	now := s.now().UTC()
	intent := &model.SigningIntent{
		JobID:         jobID,
		IssuedTo:      userID,
		ChallengeCode: code,
		Meaning:       model.NormalizeSignatureMeaning(meaning),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.IntentTTL),
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to create signing intent: %w", err)
	}

	if err := s.audit.Record(ctx, jobID, &userID, model.AuditSigningIntentIssued, map[string]interface{}{
		"intentId":         intent.ID,
		"signatureMeaning": intent.Meaning,
		"expiresAt":        intent.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return intent, nil
}

type VerifyRequest struct {
	JobID         uuid.UUID
	UserID        uuid.UUID
	IntentID      uuid.UUID
	ChallengeCode string
	Meaning       model.SignatureMeaning
	PIN           string
}

// Verify checks the intent and PIN together and consumes the intent on
// success. A negative outcome is reported through the check's reason and
// recorded as an audit event; only storage failures are returned as errors.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (model.SignatureCheck, error) {
	reason, err := s.verify(ctx, req)
	if err != nil {
		return model.SignatureCheck{}, err
	}

	label := string(reason)
	if reason == model.ReasonNone {
		label = "ok"
	}
	s.metrics.SignatureChecks.WithLabelValues(label).Inc()

	if reason != model.ReasonNone {
		s.logger.WithContext(ctx).Warn("Signature verification failed",
			"job_id", req.JobID.String(),
			"reason", label)
		if err := s.audit.Record(ctx, req.JobID, &req.UserID, model.AuditSignatureRejected, map[string]interface{}{
			"intentId": req.IntentID,
			"reason":   reason,
		}); err != nil {
			return model.SignatureCheck{}, err
		}
		return model.SignatureCheck{OK: false, Reason: reason}, nil
	}
	return model.SignatureCheck{OK: true}, nil
}

func (s *Service) verify(ctx context.Context, req VerifyRequest) (model.SignatureReason, error) {
	now := s.now().UTC()

	job, err := s.jobs.Get(ctx, req.JobID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.ReasonJobNotVerified, nil
	case err != nil:
		return "", fmt.Errorf("failed to get job: %w", err)
	case job.Status != model.JobStatusVerified:
		return model.ReasonJobNotVerified, nil
	}

	pin, err := s.repo.GetPIN(ctx, req.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.ReasonPINNotSet, nil
	case err != nil:
		return "", fmt.Errorf("failed to get signature pin: %w", err)
	case pin.Locked(now):
		return model.ReasonLocked, nil
	}

	intent, err := s.repo.GetIntent(ctx, req.IntentID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.ReasonChallengeMismatch, nil
	case err != nil:
		return "", fmt.Errorf("failed to get signing intent: %w", err)
	case intent.JobID != req.JobID:
		return model.ReasonChallengeMismatch, nil
	}

	switch intent.State(now) {
	case model.IntentConsumed:
		return model.ReasonIntentAlreadyUsed, nil
	case model.IntentExpired:
		return model.ReasonIntentExpired, nil
	}

	challenge := strings.ToUpper(strings.TrimSpace(req.ChallengeCode))
	if !security.ConstantTimeEqual(challenge, intent.ChallengeCode) ||
		intent.Meaning != req.Meaning ||
		intent.IssuedTo != req.UserID {
		return model.ReasonChallengeMismatch, nil
	}

	if err := s.hasher.Compare(pin.PINHash, req.PIN); err != nil {
		updated, ferr := s.repo.RecordPINFailure(ctx, req.UserID, s.cfg.MaxPINAttempts, now.Add(s.cfg.LockoutDuration))
		if ferr != nil {
			return "", fmt.Errorf("failed to record pin failure: %w", ferr)
		}
		if updated.Locked(now) {
			return model.ReasonLocked, nil
		}
		return model.ReasonChallengeMismatch, nil
	}

	if err := s.repo.ResetPINFailures(ctx, req.UserID); err != nil {
		return "", fmt.Errorf("failed to reset pin failures: %w", err)
	}
	consumed, err := s.repo.ConsumeIntent(ctx, intent.ID, now)
	if err != nil {
		return "", fmt.Errorf("failed to consume signing intent: %w", err)
	}
	if !consumed {
		return model.ReasonIntentAlreadyUsed, nil
	}
	return model.ReasonNone, nil
}

// SetPIN stores a new signature PIN for userID and clears any lockout.
func (s *Service) SetPIN(ctx context.Context, userID uuid.UUID, pin, confirm string) error {
	if len(pin) < security.MinPINLength {
		return apperrors.NewBadRequest(fmt.Sprintf("Signature PIN must be at least %d characters.", security.MinPINLength), nil)
	}
	if pin != confirm {
		return apperrors.NewBadRequest("Signature PIN confirmation does not match.", nil)
	}

	hash, err := s.hasher.Hash(pin)
	if err != nil {
		return apperrors.NewInternal(err)
	}
	if err := s.repo.UpsertPIN(ctx, &model.SignaturePIN{UserID: userID, PINHash: hash}); err != nil {
		return fmt.Errorf("failed to store signature pin: %w", err)
	}

	return s.audit.RecordActor(ctx, userID, model.AuditSignaturePINSet, map[string]interface{}{
		"updatedAt": s.now().UTC(),
	})
}
