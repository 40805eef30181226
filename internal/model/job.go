package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusInProgress  JobStatus = "in_progress"
	JobStatusVerified    JobStatus = "verified"
	JobStatusNeedsReview JobStatus = "needs_review"
	JobStatusApproved    JobStatus = "approved"
	JobStatusRejected    JobStatus = "rejected"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:      {JobStatusInProgress, JobStatusNeedsReview, JobStatusRejected},
	JobStatusInProgress:  {JobStatusVerified, JobStatusNeedsReview, JobStatusRejected},
	JobStatusNeedsReview: {JobStatusInProgress, JobStatusNeedsReview, JobStatusRejected},
	JobStatusVerified:    {JobStatusApproved, JobStatusInProgress, JobStatusNeedsReview, JobStatusRejected},
}

// CanTransition reports whether the job state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusApproved || s == JobStatusRejected
}

// Job is one compounding request moving through verification and sign-off.
type Job struct {
	Base
	PrescriptionID     uuid.UUID  `json:"prescription_id" db:"prescription_id"`
	Status             JobStatus  `json:"status" db:"status"`
	Priority           int        `json:"priority" db:"priority"`
	IterationCount     int        `json:"iteration_count" db:"iteration_count"`
	LastError          *string    `json:"last_error,omitempty" db:"last_error"`
	PharmacistFeedback *string    `json:"pharmacist_feedback,omitempty" db:"pharmacist_feedback"`
	FormulaID          *uuid.UUID `json:"formula_id,omitempty" db:"formula_id"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// JobUpdate is a partial update of a job row. Nil fields are left alone.
type JobUpdate struct {
	Status             *JobStatus
	IterationCount     *int
	LastError          *string
	ClearLastError     bool
	PharmacistFeedback *string
	FormulaID          *uuid.UUID
	CompletedAt        *time.Time
}

type Prescription struct {
	Base
	PatientID        uuid.UUID  `json:"patient_id" db:"patient_id"`
	MedicationName   string     `json:"medication_name" db:"medication_name"`
	Route            string     `json:"route" db:"route"`
	DoseMgPerKg      float64    `json:"dose_mg_per_kg" db:"dose_mg_per_kg"`
	FrequencyPerDay  float64    `json:"frequency_per_day" db:"frequency_per_day"`
	StrengthMgPerML  float64    `json:"strength_mg_per_ml" db:"strength_mg_per_ml"`
	DispenseVolumeML float64    `json:"dispense_volume_ml" db:"dispense_volume_ml"`
	Indication       *string    `json:"indication,omitempty" db:"indication"`
	Notes            *string    `json:"notes,omitempty" db:"notes"`
	DueAt            *time.Time `json:"due_at,omitempty" db:"due_at"`
}

// Working returns the mutable copy the correction loop operates on.
func (p Prescription) Working() WorkingPrescription {
	return WorkingPrescription{
		MedicationName:   p.MedicationName,
		Route:            p.Route,
		DoseMgPerKg:      p.DoseMgPerKg,
		FrequencyPerDay:  p.FrequencyPerDay,
		StrengthMgPerML:  p.StrengthMgPerML,
		DispenseVolumeML: p.DispenseVolumeML,
	}
}

// WorkingPrescription is the prescription as seen by a single attempt.
type WorkingPrescription struct {
	MedicationName   string  `json:"medication_name"`
	Route            string  `json:"route"`
	DoseMgPerKg      float64 `json:"dose_mg_per_kg"`
	FrequencyPerDay  float64 `json:"frequency_per_day"`
	StrengthMgPerML  float64 `json:"strength_mg_per_ml"`
	DispenseVolumeML float64 `json:"dispense_volume_ml"`
}

type Patient struct {
	Base
	FirstName string     `json:"first_name" db:"first_name"`
	LastName  string     `json:"last_name" db:"last_name"`
	DOB       *time.Time `json:"dob,omitempty" db:"dob"`
	WeightKg  float64    `json:"weight_kg" db:"weight_kg"`
	// Allergies is nil when undocumented and empty for documented NKDA.
	Allergies []string `json:"allergies" db:"-"`
	Notes     *string  `json:"notes,omitempty" db:"notes"`
}

func (p Patient) FullName() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", strings.TrimSpace(p.FirstName), strings.TrimSpace(p.LastName)))
}

// JobContext is everything the pipeline reads about a job before it starts.
type JobContext struct {
	Job                Job          `json:"job"`
	Prescription       Prescription `json:"prescription"`
	Patient            Patient      `json:"patient"`
	CurrentMedications []string     `json:"current_medications"`
}

// MaxCurrentMedications bounds the concurrent medication list used for DDI screening.
const MaxCurrentMedications = 25
