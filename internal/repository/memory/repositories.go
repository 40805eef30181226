package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type jobRepository struct{ s *Store }

func (r jobRepository) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &job, nil
}

func (r jobRepository) LoadContext(_ context.Context, id uuid.UUID) (*model.JobContext, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rx, ok := r.s.prescriptions[job.PrescriptionID]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", job.PrescriptionID, repository.ErrNotFound)
	}
	patient, ok := r.s.patients[rx.PatientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", rx.PatientID, repository.ErrNotFound)
	}
	return &model.JobContext{
		Job:                job,
		Prescription:       rx,
		Patient:            patient,
		CurrentMedications: r.s.activeMedications(patient.ID, rx.ID),
	}, nil
}

func applyUpdate(job *model.Job, u model.JobUpdate, now time.Time) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.IterationCount != nil {
		job.IterationCount = *u.IterationCount
	}
	if u.ClearLastError {
		job.LastError = nil
	}
	if u.LastError != nil {
		v := *u.LastError
		job.LastError = &v
	}
	if u.PharmacistFeedback != nil {
		v := *u.PharmacistFeedback
		job.PharmacistFeedback = &v
	}
	if u.FormulaID != nil {
		v := *u.FormulaID
		job.FormulaID = &v
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		job.CompletedAt = &v
	}
	job.UpdatedAt = now
}

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (r jobRepository) UpdateIfStatus(_ context.Context, id uuid.UUID, from []model.JobStatus, update model.JobUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !statusIn(job.Status, from) {
		return repository.ErrStatusConflict
	}
	applyUpdate(&job, update, r.s.now())
	r.s.jobs[id] = job
	return nil
}

type formulaRepository struct{ s *Store }

func (r formulaRepository) Get(_ context.Context, id uuid.UUID) (*model.Formula, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	f, ok := r.s.formulas[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

func (r formulaRepository) FindActive(_ context.Context, medicationName string, source model.FormulaSource, patientID *uuid.UUID) (*model.Formula, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	name := model.NormalizeName(medicationName)

	var best *model.Formula
	for _, f := range r.s.formulas {
		if !f.IsActive || f.Source != source || model.NormalizeName(f.MedicationName) != name {
			continue
		}
		if source == model.FormulaSourcePatient && (patientID == nil || f.PatientID == nil || *f.PatientID != *patientID) {
			continue
		}
		if best == nil || f.CreatedAt.After(best.CreatedAt) {
			candidate := f
			best = &candidate
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (r formulaRepository) Create(_ context.Context, formula *model.Formula) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stamp(&formula.Base)
	r.s.formulas[formula.ID] = *formula
	return nil
}

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) ListLots(_ context.Context, ingredientNames []string) ([]model.InventoryLot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[string]bool, len(ingredientNames))
	for _, n := range ingredientNames {
		want[model.NormalizeName(n)] = true
	}
	lots := []model.InventoryLot{}
	for _, lot := range r.s.lots {
		if want[model.NormalizeName(lot.IngredientName)] {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].LotNumber < lots[j].LotNumber })
	return lots, nil
}

type reportRepository struct{ s *Store }

func (r reportRepository) LatestVersion(_ context.Context, jobID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	reports := r.s.reports[jobID]
	if len(reports) == 0 {
		return 0, nil
	}
	return reports[len(reports)-1].Version, nil
}

func (r reportRepository) Latest(_ context.Context, jobID uuid.UUID) (*model.StoredReport, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	reports := r.s.reports[jobID]
	if len(reports) == 0 {
		return nil, repository.ErrNotFound
	}
	latest := reports[len(reports)-1]
	return &latest, nil
}

func (r reportRepository) Create(_ context.Context, report *model.StoredReport) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	reports := r.s.reports[report.JobID]
	if n := len(reports); n > 0 && reports[n-1].Version >= report.Version {
		return fmt.Errorf("report version %d for job %s already exists", report.Version, report.JobID)
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	report.CreatedAt = r.s.now()
	r.s.reports[report.JobID] = append(reports, *report)
	return nil
}

type auditRepository struct{ s *Store }

func (r auditRepository) Create(_ context.Context, event *model.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = now
	r.s.audit = append(r.s.audit, *event)
	r.s.outbox = append(r.s.outbox, model.OutboxEvent{
		ID:        uuid.New(),
		EventType: event.EventType,
		Payload:   repository.OutboxPayload(event),
		Status:    model.OutboxStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return nil
}

func (r auditRepository) ListByJob(_ context.Context, jobID uuid.UUID) ([]*model.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	events := []*model.AuditEvent{}
	for i := range r.s.audit {
		if e := r.s.audit[i]; e.JobID != nil && *e.JobID == jobID {
			events = append(events, &e)
		}
	}
	return events, nil
}

type feedbackRepository struct{ s *Store }

func (r feedbackRepository) Create(_ context.Context, feedback *model.PharmacistFeedback) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if feedback.ID == uuid.Nil {
		feedback.ID = uuid.New()
	}
	feedback.CreatedAt = r.s.now()
	r.s.feedback = append(r.s.feedback, *feedback)
	return nil
}

type approvalRepository struct{ s *Store }

func (r approvalRepository) Approve(_ context.Context, params repository.ApproveParams, build repository.FinalOutputBuilder) (*model.FinalOutput, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[params.JobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status != model.JobStatusVerified {
		return nil, repository.ErrStatusConflict
	}
	if _, exists := r.s.finals[params.JobID]; exists {
		return nil, repository.ErrAlreadyFinalized
	}

	lots := make([]model.InventoryLot, 0, len(r.s.lots))
	for _, lot := range r.s.lots {
		lots = append(lots, lot)
	}
	consumed, err := repository.PlanConsumption(params.Requirements, lots)
	if err != nil {
		return nil, err
	}
	out, err := build(consumed)
	if err != nil {
		return nil, err
	}

	// Nothing is written until every step above has succeeded.
	for _, line := range consumed {
		lot := r.s.lots[line.LotID]
		lot.AvailableQuantity -= line.Quantity
		r.s.lots[line.LotID] = lot
	}
	status := model.JobStatusApproved
	applyUpdate(&job, model.JobUpdate{Status: &status, CompletedAt: &params.ApprovedAt, ClearLastError: true}, r.s.now())
	r.s.jobs[job.ID] = job

	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	r.s.finals[params.JobID] = *out

	reports := r.s.reports[params.JobID]
	for i := range reports {
		if reports[i].ID == params.ReportID {
			reports[i].IsFinal = true
		}
	}
	return out, nil
}

func (r approvalRepository) GetFinalOutput(_ context.Context, jobID uuid.UUID) (*model.FinalOutput, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out, ok := r.s.finals[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &out, nil
}

type signingRepository struct{ s *Store }

func (r signingRepository) CreateIntent(_ context.Context, intent *model.SigningIntent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	r.s.intents[intent.ID] = *intent
	return nil
}

func (r signingRepository) GetIntent(_ context.Context, id uuid.UUID) (*model.SigningIntent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	intent, ok := r.s.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &intent, nil
}

func (r signingRepository) ConsumeIntent(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	intent, ok := r.s.intents[id]
	if !ok || intent.State(now) != model.IntentIssued {
		return false, nil
	}
	intent.ConsumedAt = &now
	r.s.intents[id] = intent
	return true, nil
}

func (r signingRepository) DeleteExpiredIntents(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, intent := range r.s.intents {
		if intent.ConsumedAt == nil && intent.ExpiresAt.Before(before) {
			delete(r.s.intents, id)
			n++
		}
	}
	return n, nil
}

func (r signingRepository) GetPIN(_ context.Context, userID uuid.UUID) (*model.SignaturePIN, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	pin, ok := r.s.pins[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &pin, nil
}

func (r signingRepository) UpsertPIN(_ context.Context, pin *model.SignaturePIN) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pin.FailedAttempts = 0
	pin.LockedUntil = nil
	pin.UpdatedAt = r.s.now()
	r.s.pins[pin.UserID] = *pin
	return nil
}

func (r signingRepository) RecordPINFailure(_ context.Context, userID uuid.UUID, maxAttempts int, lockUntil time.Time) (*model.SignaturePIN, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pin, ok := r.s.pins[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	pin.FailedAttempts++
	if pin.FailedAttempts >= maxAttempts {
		pin.LockedUntil = &lockUntil
		pin.FailedAttempts = 0
	}
	pin.UpdatedAt = r.s.now()
	r.s.pins[userID] = pin
	return &pin, nil
}

func (r signingRepository) ResetPINFailures(_ context.Context, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pin, ok := r.s.pins[userID]
	if !ok {
		return repository.ErrNotFound
	}
	pin.FailedAttempts = 0
	pin.LockedUntil = nil
	r.s.pins[userID] = pin
	return nil
}

type outboxRepository struct{ s *Store }

func (r outboxRepository) GetPendingEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	events := []*model.OutboxEvent{}
	for i := range r.s.outbox {
		if len(events) == limit {
			break
		}
		if e := r.s.outbox[i]; e.Status == model.OutboxStatusPending {
			events = append(events, &e)
		}
	}
	return events, nil
}

func (r outboxRepository) find(id uuid.UUID) (int, error) {
	for i := range r.s.outbox {
		if r.s.outbox[i].ID == id {
			return i, nil
		}
	}
	return -1, repository.ErrNotFound
}

func (r outboxRepository) UpdateStatus(_ context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, err := r.find(id)
	if err != nil {
		return err
	}
	now := r.s.now()
	e := &r.s.outbox[i]
	e.Status = status
	e.ErrorMessage = errorMessage
	e.UpdatedAt = now
	if status == model.OutboxStatusProcessed {
		e.ProcessedAt = &now
	}
	return nil
}

func (r outboxRepository) IncrementRetry(_ context.Context, id uuid.UUID, errorMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, err := r.find(id)
	if err != nil {
		return err
	}
	e := &r.s.outbox[i]
	e.RetryCount++
	e.ErrorMessage = &errorMessage
	e.UpdatedAt = r.s.now()
	return nil
}

func (r outboxRepository) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.outbox[:0]
	var n int64
	for _, e := range r.s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.outbox = kept
	return n, nil
}
