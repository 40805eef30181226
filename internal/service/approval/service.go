// Package approval locks a verified job with a signed final output, or
// rejects it.
package approval

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
	"github.com/jwalitptl/compounding-api/internal/service/signing"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
	"github.com/jwalitptl/compounding-api/pkg/security"
	"github.com/jwalitptl/compounding-api/pkg/validator"
)

const (
	labelStorage        = "Refrigerate. Shake well."
	defaultApprovalNote = "Approved by pharmacist."
)

type Config struct {
	// Strict requires a signing intent, challenge code and PIN on approval.
	Strict bool
}

type Dependencies struct {
	Jobs      repository.JobRepository
	Reports   repository.ReportRepository
	Formulas  repository.FormulaRepository
	Approvals repository.ApprovalRepository
	Feedback  repository.FeedbackRepository
	Signing   *signing.Service
	Audit     *audit.Service
	Validator validator.Validator
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Service struct {
	Dependencies
	cfg Config
}

func NewService(cfg Config, deps Dependencies) *Service {
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{Dependencies: deps, cfg: cfg}
}

type ApproveRequest struct {
	JobID            uuid.UUID
	ApproverID       uuid.UUID
	SignerName       string
	SignerEmail      string
	SignatureMeaning string
	Attestation      bool
	IntentID         *uuid.UUID
	ChallengeCode    string
	PIN              string
	Note             string
}

// Approve signs and locks a verified job. Inventory consumption, the final
// output and the status change happen in one repository transaction.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*model.FinalOutput, error) {
	if !req.Attestation {
		return nil, apperrors.NewBadRequest("Legal signature attestation is required.", nil)
	}
	signerName := strings.TrimSpace(req.SignerName)
	if signerName == "" {
		return nil, apperrors.NewBadRequest("Signer name is required.", nil)
	}
	signerEmail := strings.TrimSpace(req.SignerEmail)
	if err := s.Validator.ValidateField("signerEmail", signerEmail, "required", "email"); err != nil {
		return nil, apperrors.NewBadRequest("A valid signer email is required.", err)
	}
	meaning := model.NormalizeSignatureMeaning(req.SignatureMeaning)

	jc, err := s.Jobs.LoadContext(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("job", err)
		}
		return nil, fmt.Errorf("failed to load job context: %w", err)
	}
	if jc.Job.Status != model.JobStatusVerified {
		return nil, apperrors.NewConflict("Only verified jobs can be approved.", nil)
	}

	var intentID *uuid.UUID
	if s.cfg.Strict {
		if req.IntentID == nil || strings.TrimSpace(req.ChallengeCode) == "" || req.PIN == "" {
			return nil, apperrors.NewBadRequest("Signing intent, challenge code and PIN are required.", nil)
		}
		check, err := s.Signing.Verify(ctx, signing.VerifyRequest{
			JobID:         req.JobID,
			UserID:        req.ApproverID,
			IntentID:      *req.IntentID,
			ChallengeCode: req.ChallengeCode,
			Meaning:       meaning,
			PIN:           req.PIN,
		})
		if err != nil {
			return nil, err
		}
		if !check.OK {
			return nil, apperrors.NewForbidden(fmt.Sprintf("Signature verification failed: %s.", check.Reason), nil)
		}
		intentID = req.IntentID
	}

	report, err := s.Reports.Latest(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewConflict("No calculation report found for approval.", err)
		}
		return nil, fmt.Errorf("failed to get latest report: %w", err)
	}
	if jc.Job.FormulaID == nil {
		return nil, apperrors.NewConflict("Job has no resolved formula.", nil)
	}
	formula, err := s.Formulas.Get(ctx, *jc.Job.FormulaID)
	if err != nil {
		return nil, fmt.Errorf("failed to get formula: %w", err)
	}

	approvedAt := s.Clock().UTC()
	signature := model.SignatureBlock{
		SignerName:  signerName,
		SignerEmail: signerEmail,
		Meaning:     meaning,
		Statement:   meaning.Statement(signerName),
		Hash: security.SignatureHash(security.SignatureFields{
			JobID:       req.JobID.String(),
			ApproverID:  req.ApproverID.String(),
			SignerName:  signerName,
			SignerEmail: signerEmail,
			Meaning:     string(meaning),
			SignedAt:    approvedAt,
		}),
		IntentID: intentID,
		SignedAt: approvedAt,
	}

	note := strings.TrimSpace(req.Note)
	build := func(consumed []model.ConsumedLine) (*model.FinalOutput, error) {
		return &model.FinalOutput{
			JobID:      req.JobID,
			ApprovedBy: req.ApproverID,
			FinalReport: model.FinalReport{
				ApprovedBy:           req.ApproverID,
				ApprovedAt:           approvedAt,
				Signature:            signature,
				ReportID:             report.ID,
				ReportVersion:        report.Version,
				Report:               report.Report,
				Formula:              *formula,
				InventoryConsumption: consumed,
				PharmacistNote:       note,
			},
			Label: model.LabelPayload{
				Patient:              jc.Patient.FullName(),
				Medication:           jc.Prescription.MedicationName,
				Route:                jc.Prescription.Route,
				ConcentrationMgPerML: report.Report.FinalConcentrationMgPerML,
				QuantityML:           report.Report.FinalVolumeML,
				BeyondUseDate:        report.Report.BudDate,
				Storage:              labelStorage,
				ApprovedAt:           approvedAt,
			},
			LockedAt: approvedAt,
		}, nil
	}

	out, err := s.Approvals.Approve(ctx, repository.ApproveParams{
		JobID:        req.JobID,
		ReportID:     report.ID,
		Requirements: report.Report.Ingredients,
		ApprovedAt:   approvedAt,
	}, build)
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		return nil, apperrors.NewConflict("Only verified jobs can be approved.", err)
	case errors.Is(err, repository.ErrAlreadyFinalized):
		return nil, apperrors.NewConflict("Job already has a locked final output.", err)
	case errors.Is(err, repository.ErrInsufficientInventory):
		return nil, apperrors.NewConflict("Inventory cannot cover this preparation.", err)
	case err != nil:
		return nil, fmt.Errorf("failed to approve job: %w", err)
	}

	feedback := note
	if feedback == "" {
		feedback = defaultApprovalNote
	}
	if err := s.Feedback.Create(ctx, &model.PharmacistFeedback{
		JobID:    req.JobID,
		AuthorID: &req.ApproverID,
		Decision: model.DecisionApprove,
		Feedback: feedback,
	}); err != nil {
		return nil, fmt.Errorf("failed to record approval feedback: %w", err)
	}

	if err := s.Audit.Record(ctx, req.JobID, &req.ApproverID, model.AuditJobApproved, map[string]interface{}{
		"approvedBy":       req.ApproverID,
		"note":             nullable(note),
		"timestamp":        approvedAt,
		"signatureMeaning": meaning,
		"signatureHash":    signature.Hash,
		"reportVersion":    report.Version,
	}); err != nil {
		return nil, err
	}

	s.Metrics.ApprovalDecisions.WithLabelValues(string(model.DecisionApprove)).Inc()
	s.Logger.WithContext(ctx).Info("Job approved",
		"job_id", req.JobID.String(),
		"report_version", report.Version,
		"consumed_lines", len(out.FinalReport.InventoryConsumption))
	return out, nil
}

type RejectRequest struct {
	JobID    uuid.UUID
	ActorID  uuid.UUID
	Feedback string
}

// rejectable lists every non-terminal status.
var rejectable = []model.JobStatus{
	model.JobStatusQueued,
	model.JobStatusInProgress,
	model.JobStatusVerified,
	model.JobStatusNeedsReview,
}

// Reject ends the job without consuming inventory.
func (s *Service) Reject(ctx context.Context, req RejectRequest) error {
	feedback := strings.TrimSpace(req.Feedback)
	if feedback == "" {
		return apperrors.NewBadRequest("Rejection feedback is required.", nil)
	}

	now := s.Clock().UTC()
	err := s.Jobs.UpdateIfStatus(ctx, req.JobID, rejectable, model.JobUpdate{
		Status:             statusPtr(model.JobStatusRejected),
		LastError:          &feedback,
		PharmacistFeedback: &feedback,
		CompletedAt:        &now,
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("job", err)
	case errors.Is(err, repository.ErrStatusConflict):
		return apperrors.NewConflict("Approved or rejected jobs cannot be rejected.", err)
	case err != nil:
		return fmt.Errorf("failed to reject job: %w", err)
	}

	if err := s.Feedback.Create(ctx, &model.PharmacistFeedback{
		JobID:    req.JobID,
		AuthorID: &req.ActorID,
		Decision: model.DecisionReject,
		Feedback: feedback,
	}); err != nil {
		return fmt.Errorf("failed to record rejection feedback: %w", err)
	}

	if err := s.Audit.Record(ctx, req.JobID, &req.ActorID, model.AuditJobRejected, map[string]interface{}{
		"feedback":  feedback,
		"timestamp": now,
	}); err != nil {
		return err
	}

	s.Metrics.ApprovalDecisions.WithLabelValues(string(model.DecisionReject)).Inc()
	return nil
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
