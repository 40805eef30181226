// Package pipeline runs a compounding job from intake through the bounded
// calculate, check and review loop to verified or needs_review.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/compounding-api/internal/email"
	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/internal/service/audit"
	"github.com/jwalitptl/compounding-api/internal/service/calculation"
	"github.com/jwalitptl/compounding-api/internal/service/formula"
	"github.com/jwalitptl/compounding-api/internal/service/preflight"
	"github.com/jwalitptl/compounding-api/internal/service/review"
	"github.com/jwalitptl/compounding-api/internal/service/safety"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
)

// MaxAttempts is the hard ceiling on attempts per run.
const MaxAttempts = 3

// ClinicalSource fetches the once-per-run external snapshots.
type ClinicalSource interface {
	FetchClinicalSnapshot(ctx context.Context, medicationName string) model.ClinicalSnapshot
	FetchReferenceSnapshot(ctx context.Context, medicationName string) model.ReferenceSnapshot
}

type Config struct {
	MaxAttempts     int
	FailClosed      bool
	PharmacistInbox string
}

type Dependencies struct {
	Jobs      repository.JobRepository
	Reports   repository.ReportRepository
	Inventory repository.InventoryRepository
	Feedback  repository.FeedbackRepository
	Formulas  *formula.Service
	Audit     *audit.Service
	Gate      *preflight.Gate
	Clinical  ClinicalSource
	Evaluator *safety.Evaluator
	Reviewer  *review.Reviewer
	Corrector calculation.Corrector
	Mailer    email.Service
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type RunRequest struct {
	JobID              uuid.UUID
	ActorID            *uuid.UUID
	PharmacistFeedback string
}

type RunResult struct {
	Status         model.JobStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	BlockingIssues []string        `json:"blockingIssues"`
	Warnings       []string        `json:"warnings"`
}

type Service struct {
	Dependencies
	cfg Config
}

// runnable lists the statuses a new run may start from.
var runnable = []model.JobStatus{model.JobStatusQueued, model.JobStatusNeedsReview}

func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > MaxAttempts {
		cfg.MaxAttempts = MaxAttempts
	}
	if deps.Corrector == nil {
		deps.Corrector = calculation.NewKeywordCorrector()
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

// Run executes the pipeline for one job. Preflight failures and exhausted
// attempts are reported through the result; only workflow violations and
// storage failures are returned as errors.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	started := s.Clock()

	jc, err := s.Jobs.LoadContext(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("job", err)
		}
		return nil, fmt.Errorf("failed to load job context: %w", err)
	}
	switch jc.Job.Status {
	case model.JobStatusInProgress:
		return nil, apperrors.NewConflict("Job is already in progress.", nil)
	case model.JobStatusVerified, model.JobStatusApproved, model.JobStatusRejected:
		return nil, apperrors.NewConflict(fmt.Sprintf("Job is %s and cannot be run again.", jc.Job.Status), nil)
	}

	feedback := strings.TrimSpace(req.PharmacistFeedback)
	if feedback == "" && jc.Job.PharmacistFeedback != nil {
		feedback = strings.TrimSpace(*jc.Job.PharmacistFeedback)
	}

	if intake := s.Gate.Intake(*jc); !intake.Passed() {
		return s.preflightFailed(ctx, started, req, jc, intake)
	}

	f, err := s.Formulas.Resolve(ctx, *jc, req.ActorID)
	if err != nil {
		return nil, err
	}

	pre := s.Gate.PreCompounding(*jc, *f, feedback)
	if !pre.Passed() {
		return s.preflightFailed(ctx, started, req, jc, pre)
	}

	update := model.JobUpdate{
		Status:         statusPtr(model.JobStatusInProgress),
		FormulaID:      &f.ID,
		ClearLastError: true,
	}
	if req.PharmacistFeedback != "" {
		update.PharmacistFeedback = &req.PharmacistFeedback
	}
	if err := s.Jobs.UpdateIfStatus(ctx, req.JobID, runnable, update); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, apperrors.NewConflict("Job status changed before the run could start.", err)
		}
		return nil, fmt.Errorf("failed to start job: %w", err)
	}

	result, err := s.execute(ctx, req, jc, f, feedback, started)
	if err != nil {
		s.abandon(ctx, req, err)
		return nil, err
	}
	return s.finish(started, result), nil
}

// execute is everything after the job moved to in_progress.
func (s *Service) execute(ctx context.Context, req RunRequest, jc *model.JobContext, f *model.Formula, feedback string, started time.Time) (*RunResult, error) {
	log := s.Logger.WithContext(ctx).With("job_id", req.JobID.String())

	if err := s.Audit.Record(ctx, req.JobID, req.ActorID, model.AuditPipelineStarted, map[string]interface{}{
		"startedAt":          started.UTC(),
		"formulaId":          f.ID,
		"formulaSource":      f.Source,
		"pharmacistFeedback": nullable(req.PharmacistFeedback),
	}); err != nil {
		return nil, err
	}

	if req.PharmacistFeedback != "" {
		if err := s.Feedback.Create(ctx, &model.PharmacistFeedback{
			JobID:    req.JobID,
			AuthorID: req.ActorID,
			Decision: model.DecisionRequestChanges,
			Feedback: req.PharmacistFeedback,
		}); err != nil {
			return nil, fmt.Errorf("failed to record pharmacist feedback: %w", err)
		}
	}

	r, err := s.prepare(ctx, jc, f, feedback)
	if err != nil {
		return nil, err
	}
	if r.maxAttempts < s.cfg.MaxAttempts {
		log.Warn("External lookups degraded under fail-closed, limiting run to one attempt",
			"clinical_status", string(r.clinical.Label.Status()))
	}

	result, err := s.iterate(ctx, req, r)
	if err != nil {
		return nil, err
	}
	log.Info("Pipeline run completed",
		"status", string(result.Status),
		"attempts", result.Attempts)
	return result, nil
}

// abandon releases a job whose run failed after it started, moving it from
// in_progress to needs_review so it can be run again. A job that already
// left in_progress is left alone.
func (s *Service) abandon(ctx context.Context, req RunRequest, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.Logger.WithContext(ctx).With("job_id", req.JobID.String())

	msg := fmt.Sprintf("Pipeline run failed: %v", cause)
	err := s.Jobs.UpdateIfStatus(ctx, req.JobID, []model.JobStatus{model.JobStatusInProgress}, model.JobUpdate{
		Status:    statusPtr(model.JobStatusNeedsReview),
		LastError: &msg,
	})
	switch {
	case errors.Is(err, repository.ErrStatusConflict):
		return
	case err != nil:
		log.Error(err, "Failed to release job after run failure")
		return
	}
	log.Error(cause, "Pipeline run failed, job moved to needs_review")

	if err := s.Audit.Record(ctx, req.JobID, req.ActorID, model.AuditPipelineFailed, map[string]interface{}{
		"failedAt": s.Clock().UTC(),
		"error":    cause.Error(),
	}); err != nil {
		log.Error(err, "Failed to record run failure")
	}
	s.Metrics.PipelineRuns.WithLabelValues("error").Inc()
}

// run is the fixed input shared by every attempt of one pipeline run.
type run struct {
	jc          *model.JobContext
	formula     *model.Formula
	feedback    string
	ingredients []string
	lots        []model.InventoryLot
	clinical    model.ClinicalSnapshot
	references  model.ReferenceSnapshot
	baseVersion int
	maxAttempts int
}

func (s *Service) prepare(ctx context.Context, jc *model.JobContext, f *model.Formula, feedback string) (*run, error) {
	r := &run{jc: jc, formula: f, feedback: feedback, maxAttempts: s.cfg.MaxAttempts}
	for _, ing := range f.Ingredients {
		r.ingredients = append(r.ingredients, ing.Name)
	}

	lots, err := s.Inventory.ListLots(ctx, r.ingredients)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory lots: %w", err)
	}
	r.lots = lots

	version, err := s.Reports.LatestVersion(ctx, jc.Job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read report version: %w", err)
	}
	r.baseVersion = version

	medication := jc.Prescription.MedicationName
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.clinical = s.Clinical.FetchClinicalSnapshot(gctx, medication)
		return nil
	})
	g.Go(func() error {
		r.references = s.Clinical.FetchReferenceSnapshot(gctx, medication)
		return nil
	})
	_ = g.Wait()

	if s.cfg.FailClosed && !lookupsHealthy(r.clinical, r.references) {
		r.maxAttempts = 1
	}
	return r, nil
}

func lookupsHealthy(c model.ClinicalSnapshot, ref model.ReferenceSnapshot) bool {
	if c.Label.Status() != model.LookupOK {
		return false
	}
	for _, status := range ref.Statuses() {
		if status != model.LookupOK {
			return false
		}
	}
	return true
}

// iterate runs up to maxAttempts attempts, persisting each one, and records
// the terminal status.
func (s *Service) iterate(ctx context.Context, req RunRequest, r *run) (*RunResult, error) {
	rx := r.jc.Prescription.Working()
	var last Attempt

	for n := 1; n <= r.maxAttempts; n++ {
		last = s.evaluate(ctx, r, n, rx)
		if err := s.persist(ctx, req, r, last); err != nil {
			return nil, err
		}
		if last.Overall == model.OverallPass {
			break
		}
		rx = s.Corrector.Correct(rx, last.CorrectionIssues())
	}

	result := &RunResult{
		Status:         model.JobStatusNeedsReview,
		Attempts:       last.Number,
		BlockingIssues: last.BlockingIssues,
		Warnings:       last.Warnings,
	}
	if last.Overall == model.OverallPass {
		result.Status = model.JobStatusVerified
	}

	// a verified job carries no error; only escalation records one
	update := model.JobUpdate{
		Status:         statusPtr(result.Status),
		IterationCount: &result.Attempts,
		ClearLastError: true,
	}
	if result.Status != model.JobStatusVerified {
		if msg := firstIssue(result); msg != "" {
			update.LastError = &msg
			update.ClearLastError = false
		}
	}
	if err := s.Jobs.UpdateIfStatus(ctx, req.JobID, []model.JobStatus{model.JobStatusInProgress}, update); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, apperrors.NewConflict("Job status changed during the run.", err)
		}
		return nil, fmt.Errorf("failed to record run outcome: %w", err)
	}

	eventType := model.AuditPipelineVerified
	if result.Status != model.JobStatusVerified {
		eventType = model.AuditEscalated
	}
	if err := s.Audit.Record(ctx, req.JobID, req.ActorID, eventType, map[string]interface{}{
		"completedAt":    s.Clock().UTC(),
		"attempts":       result.Attempts,
		"blockingIssues": result.BlockingIssues,
		"warnings":       result.Warnings,
	}); err != nil {
		return nil, err
	}

	if result.Status == model.JobStatusNeedsReview {
		s.escalate(ctx, r.jc, result)
	}
	return result, nil
}

func (s *Service) persist(ctx context.Context, req RunRequest, r *run, a Attempt) error {
	stored := &model.StoredReport{
		JobID:   req.JobID,
		Version: r.baseVersion + a.Number,
		Context: model.ReportContext{
			Attempt:            a.Number,
			FormulaID:          r.formula.ID,
			FormulaSource:      r.formula.Source,
			Prescription:       a.Prescription,
			PharmacistFeedback: r.feedback,
			ClinicalStatus:     r.clinical.Label.Status(),
			FailClosed:         s.cfg.FailClosed,
		},
		Report:        a.Report,
		HardChecks:    a.HardChecks,
		AIReview:      a.Review,
		OverallStatus: a.Overall,
	}
	if err := s.Reports.Create(ctx, stored); err != nil {
		return fmt.Errorf("failed to store calculation report: %w", err)
	}

	return s.Audit.Record(ctx, req.JobID, req.ActorID, model.AuditIterationCompleted, map[string]interface{}{
		"attempt":            a.Number,
		"overallStatus":      a.Overall,
		"blockingIssueCount": len(a.BlockingIssues),
		"warningCount":       len(a.Warnings),
	})
}

func (s *Service) preflightFailed(ctx context.Context, started time.Time, req RunRequest, jc *model.JobContext, sum model.PreflightSummary) (*RunResult, error) {
	result := &RunResult{
		Status:         model.JobStatusNeedsReview,
		BlockingIssues: sum.BlockingIssues,
		Warnings:       sum.Warnings,
	}
	msg := sum.BlockingIssues[0]
	err := s.Jobs.UpdateIfStatus(ctx, req.JobID, runnable, model.JobUpdate{
		Status:    statusPtr(model.JobStatusNeedsReview),
		LastError: &msg,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, apperrors.NewConflict("Job status changed during preflight.", err)
		}
		return nil, fmt.Errorf("failed to record preflight failure: %w", err)
	}

	if err := s.Audit.Record(ctx, req.JobID, req.ActorID, model.AuditPreflightFailed, map[string]interface{}{
		"stage":          sum.Stage,
		"checks":         sum.Checks,
		"blockingIssues": sum.BlockingIssues,
		"warnings":       sum.Warnings,
	}); err != nil {
		return nil, err
	}

	s.Logger.WithContext(ctx).Warn("Preflight blocked pipeline run",
		"job_id", req.JobID.String(),
		"stage", string(sum.Stage),
		"issues", len(sum.BlockingIssues))
	s.escalate(ctx, jc, result)
	return s.finish(started, result), nil
}

func (s *Service) finish(started time.Time, result *RunResult) *RunResult {
	s.Metrics.PipelineRuns.WithLabelValues(string(result.Status)).Inc()
	s.Metrics.PipelineAttempts.Observe(float64(result.Attempts))
	s.Metrics.PipelineDuration.Observe(s.Clock().Sub(started).Seconds())
	return result
}

// escalate notifies the pharmacist inbox. Delivery failures are logged only.
func (s *Service) escalate(ctx context.Context, jc *model.JobContext, result *RunResult) {
	if s.Mailer == nil || s.cfg.PharmacistInbox == "" {
		return
	}
	notice := email.Escalation{
		To:             s.cfg.PharmacistInbox,
		JobID:          jc.Job.ID,
		Medication:     jc.Prescription.MedicationName,
		Patient:        jc.Patient.FullName(),
		Attempts:       result.Attempts,
		BlockingIssues: result.BlockingIssues,
		Warnings:       result.Warnings,
	}
	if err := s.Mailer.SendEscalation(ctx, notice); err != nil {
		s.Logger.WithContext(ctx).Error(err, "Failed to send escalation email", "job_id", jc.Job.ID.String())
	}
}

func firstIssue(r *RunResult) string {
	if len(r.BlockingIssues) > 0 {
		return r.BlockingIssues[0]
	}
	if len(r.Warnings) > 0 {
		return r.Warnings[0]
	}
	return ""
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
