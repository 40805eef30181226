package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a compare-and-set on job status
	// finds the job in a status outside the expected set.
	ErrStatusConflict = errors.New("job status changed concurrently")
	// ErrAlreadyFinalized is returned when a final output already exists.
	ErrAlreadyFinalized = errors.New("final output already exists")
)

// ApproveParams describes the single transaction that locks an approval.
type ApproveParams struct {
	JobID        uuid.UUID
	ReportID     uuid.UUID
	Requirements []model.IngredientRequirement
	ApprovedAt   time.Time
}

// FinalOutputBuilder assembles the final output once inventory has been
// consumed inside the approval transaction.
type FinalOutputBuilder func(consumed []model.ConsumedLine) (*model.FinalOutput, error)

// All repository interfaces in one file
type (
	JobRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
		// LoadContext reads the job with its prescription, patient and the
		// patient's other active medications.
		LoadContext(ctx context.Context, id uuid.UUID) (*model.JobContext, error)
		// UpdateIfStatus applies update only when the job's status is one of
		// from. It returns ErrStatusConflict otherwise.
		UpdateIfStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, update model.JobUpdate) error
	}

	FormulaRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Formula, error)
		// FindActive returns the newest active formula for the medication at
		// the given source tier. patientID is only used for the patient tier.
		FindActive(ctx context.Context, medicationName string, source model.FormulaSource, patientID *uuid.UUID) (*model.Formula, error)
		Create(ctx context.Context, formula *model.Formula) error
	}

	InventoryRepository interface {
		ListLots(ctx context.Context, ingredientNames []string) ([]model.InventoryLot, error)
	}

	ReportRepository interface {
		LatestVersion(ctx context.Context, jobID uuid.UUID) (int, error)
		Latest(ctx context.Context, jobID uuid.UUID) (*model.StoredReport, error)
		Create(ctx context.Context, report *model.StoredReport) error
	}

	// AuditRepository appends audit events. Each event is written together
	// with its outbox row.
	AuditRepository interface {
		Create(ctx context.Context, event *model.AuditEvent) error
		ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.AuditEvent, error)
	}

	FeedbackRepository interface {
		Create(ctx context.Context, feedback *model.PharmacistFeedback) error
	}

	ApprovalRepository interface {
		// Approve moves the job verified -> approved, consumes inventory,
		// inserts the final output and marks the report final in one
		// transaction.
		Approve(ctx context.Context, params ApproveParams, build FinalOutputBuilder) (*model.FinalOutput, error)
		GetFinalOutput(ctx context.Context, jobID uuid.UUID) (*model.FinalOutput, error)
	}

	SigningRepository interface {
		CreateIntent(ctx context.Context, intent *model.SigningIntent) error
		GetIntent(ctx context.Context, id uuid.UUID) (*model.SigningIntent, error)
		// ConsumeIntent marks the intent consumed if it is still unconsumed
		// and unexpired at now. It reports whether this call consumed it.
		ConsumeIntent(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
		DeleteExpiredIntents(ctx context.Context, before time.Time) (int64, error)

		GetPIN(ctx context.Context, userID uuid.UUID) (*model.SignaturePIN, error)
		UpsertPIN(ctx context.Context, pin *model.SignaturePIN) error
		RecordPINFailure(ctx context.Context, userID uuid.UUID, maxAttempts int, lockUntil time.Time) (*model.SignaturePIN, error)
		ResetPINFailures(ctx context.Context, userID uuid.UUID) error
	}

	OutboxRepository interface {
		GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string) error
		IncrementRetry(ctx context.Context, id uuid.UUID, errorMessage string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)

// Repositories is the full set a deployment wires into the services.
type Repositories struct {
	Jobs      JobRepository
	Formulas  FormulaRepository
	Inventory InventoryRepository
	Reports   ReportRepository
	Audit     AuditRepository
	Feedback  FeedbackRepository
	Approvals ApprovalRepository
	Signing   SigningRepository
	Outbox    OutboxRepository
}
