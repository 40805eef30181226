package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is an append-only record of a job lifecycle event.
type AuditEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	JobID     *uuid.UUID      `json:"job_id,omitempty" db:"job_id"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

const (
	AuditPipelineStarted     = "pipeline.started"
	AuditPreflightFailed     = "pipeline.preflight_failed"
	AuditIterationCompleted  = "pipeline.iteration_completed"
	AuditPipelineVerified    = "pipeline.verified"
	AuditEscalated           = "pipeline.escalated_to_pharmacist"
	AuditPipelineFailed      = "pipeline.failed"
	AuditFormulaGenerated    = "formula.generated"
	AuditJobApproved         = "job.approved"
	AuditJobRejected         = "job.rejected"
	AuditSigningIntentIssued = "signature.intent_issued"
	AuditSignatureRejected   = "signature.verification_failed"
	AuditSignaturePINSet     = "signature.pin_updated"
)

type FeedbackDecision string

const (
	DecisionRequestChanges FeedbackDecision = "request_changes"
	DecisionApprove        FeedbackDecision = "approve"
	DecisionReject         FeedbackDecision = "reject"
)

type PharmacistFeedback struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	JobID     uuid.UUID        `json:"job_id" db:"job_id"`
	AuthorID  *uuid.UUID       `json:"author_id,omitempty" db:"author_id"`
	Decision  FeedbackDecision `json:"decision" db:"decision"`
	Feedback  string           `json:"feedback" db:"feedback"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

type PreflightStage string

const (
	StageIntake         PreflightStage = "intake"
	StagePreCompounding PreflightStage = "pre_compounding"
)

// PreflightSummary is the outcome of one preflight checkpoint.
type PreflightSummary struct {
	Stage          PreflightStage         `json:"stage"`
	Checks         map[string]CheckResult `json:"checks"`
	BlockingIssues []string               `json:"blocking_issues"`
	Warnings       []string               `json:"warnings"`
}

func (p PreflightSummary) Passed() bool {
	return len(p.BlockingIssues) == 0
}
