// Package memory is an in-process implementation of the repository
// interfaces, used by service tests and the CLI.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

// Store holds every table behind one lock so multi-table operations are
// atomic in the same way a database transaction is.
type Store struct {
	mu sync.RWMutex

	patients      map[uuid.UUID]model.Patient
	prescriptions map[uuid.UUID]model.Prescription
	jobs          map[uuid.UUID]model.Job
	formulas      map[uuid.UUID]model.Formula
	lots          map[uuid.UUID]model.InventoryLot
	reports       map[uuid.UUID][]model.StoredReport
	audit         []model.AuditEvent
	feedback      []model.PharmacistFeedback
	finals        map[uuid.UUID]model.FinalOutput
	intents       map[uuid.UUID]model.SigningIntent
	pins          map[uuid.UUID]model.SignaturePIN
	outbox        []model.OutboxEvent

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		patients:      map[uuid.UUID]model.Patient{},
		prescriptions: map[uuid.UUID]model.Prescription{},
		jobs:          map[uuid.UUID]model.Job{},
		formulas:      map[uuid.UUID]model.Formula{},
		lots:          map[uuid.UUID]model.InventoryLot{},
		reports:       map[uuid.UUID][]model.StoredReport{},
		finals:        map[uuid.UUID]model.FinalOutput{},
		intents:       map[uuid.UUID]model.SigningIntent{},
		pins:          map[uuid.UUID]model.SignaturePIN{},
		now:           time.Now,
	}
}

// SetClock overrides the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Jobs() repository.JobRepository { return jobRepository{s} }
func (s *Store) Formulas() repository.FormulaRepository { return formulaRepository{s} }
func (s *Store) Inventory() repository.InventoryRepository { return inventoryRepository{s} }
func (s *Store) Reports() repository.ReportRepository { return reportRepository{s} }
func (s *Store) Audit() repository.AuditRepository { return auditRepository{s} }
func (s *Store) Feedback() repository.FeedbackRepository { return feedbackRepository{s} }
func (s *Store) Approvals() repository.ApprovalRepository { return approvalRepository{s} }
func (s *Store) Signing() repository.SigningRepository { return signingRepository{s} }
func (s *Store) Outbox() repository.OutboxRepository { return outboxRepository{s} }

// Repositories returns every repository backed by this store.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Jobs:      s.Jobs(),
		Formulas:  s.Formulas(),
		Inventory: s.Inventory(),
		Reports:   s.Reports(),
		Audit:     s.Audit(),
		Feedback:  s.Feedback(),
		Approvals: s.Approvals(),
		Signing:   s.Signing(),
		Outbox:    s.Outbox(),
	}
}

func (s *Store) stamp(b *model.Base) {
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func (s *Store) AddPatient(p model.Patient) model.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&p.Base)
	if p.Allergies != nil {
		p.Allergies = append([]string{}, p.Allergies...)
	}
	s.patients[p.ID] = p
	return p
}

func (s *Store) AddPrescription(rx model.Prescription) model.Prescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&rx.Base)
	s.prescriptions[rx.ID] = rx
	return rx
}

func (s *Store) AddJob(j model.Job) model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&j.Base)
	if j.Status == "" {
		j.Status = model.JobStatusQueued
	}
	s.jobs[j.ID] = j
	return j
}

func (s *Store) AddLot(lot model.InventoryLot) model.InventoryLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	s.lots[lot.ID] = lot
	return lot
}

// Lot returns a lot by id.
func (s *Store) Lot(id uuid.UUID) (model.InventoryLot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	return lot, ok
}

// FeedbackFor lists pharmacist feedback rows for a job in insertion order.
func (s *Store) FeedbackFor(jobID uuid.UUID) []model.PharmacistFeedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PharmacistFeedback
	for _, f := range s.feedback {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out
}

// ReportsFor lists stored reports for a job by ascending version.
func (s *Store) ReportsFor(jobID uuid.UUID) []model.StoredReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.StoredReport{}, s.reports[jobID]...)
}

// OutboxEvents returns a copy of the outbox table.
func (s *Store) OutboxEvents() []model.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.OutboxEvent{}, s.outbox...)
}

// activeMedications lists distinct medication names from the patient's other
// prescriptions, newest first.
func (s *Store) activeMedications(patientID, excludeRx uuid.UUID) []string {
	var rxs []model.Prescription
	for _, rx := range s.prescriptions {
		if rx.PatientID == patientID && rx.ID != excludeRx {
			rxs = append(rxs, rx)
		}
	}
	sort.Slice(rxs, func(i, j int) bool { return rxs[i].CreatedAt.After(rxs[j].CreatedAt) })

	seen := map[string]bool{}
	meds := []string{}
	for _, rx := range rxs {
		name := strings.TrimSpace(rx.MedicationName)
		key := model.NormalizeName(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		meds = append(meds, name)
		if len(meds) == model.MaxCurrentMedications {
			break
		}
	}
	return meds
}
