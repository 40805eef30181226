package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type jobRepository struct {
	BaseRepository
}

func NewJobRepository(base BaseRepository) repository.JobRepository {
	return &jobRepository{base}
}

const jobColumns = `id, prescription_id, status, priority, iteration_count, last_error,
	pharmacist_feedback, formula_id, completed_at, created_at, updated_at`

func (r *jobRepository) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM compounding_jobs WHERE id = $1`

	var job model.Job
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, fmt.Errorf("failed to get job: %w", notFound(err))
	}
	return &job, nil
}

type patientRow struct {
	model.Patient
	Allergies pq.StringArray `db:"allergies"`
}

func (r *jobRepository) LoadContext(ctx context.Context, id uuid.UUID) (*model.JobContext, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var rx model.Prescription
	rxQuery := `
		SELECT id, patient_id, medication_name, route, dose_mg_per_kg, frequency_per_day,
			strength_mg_per_ml, dispense_volume_ml, indication, notes, due_at, created_at, updated_at
		FROM prescriptions
		WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &rx, rxQuery, job.PrescriptionID); err != nil {
		return nil, fmt.Errorf("failed to get prescription: %w", notFound(err))
	}

	var patient patientRow
	patientQuery := `
		SELECT id, first_name, last_name, dob, weight_kg, allergies, notes, created_at, updated_at
		FROM patients
		WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &patient, patientQuery, rx.PatientID); err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", notFound(err))
	}
	patient.Patient.Allergies = []string(patient.Allergies)

	var meds []string
	medsQuery := `
		SELECT name FROM (
			SELECT DISTINCT ON (lower(trim(medication_name)))
				trim(medication_name) AS name, created_at
			FROM prescriptions
			WHERE patient_id = $1 AND id <> $2 AND trim(medication_name) <> ''
			ORDER BY lower(trim(medication_name)), created_at DESC
		) m
		ORDER BY created_at DESC
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &meds, medsQuery, rx.PatientID, rx.ID, model.MaxCurrentMedications); err != nil {
		return nil, fmt.Errorf("failed to list current medications: %w", err)
	}
	if meds == nil {
		meds = []string{}
	}

	return &model.JobContext{
		Job:                *job,
		Prescription:       rx,
		Patient:            patient.Patient,
		CurrentMedications: meds,
	}, nil
}

func (r *jobRepository) UpdateIfStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, update model.JobUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []interface{}{time.Now()}
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		set("status", *update.Status)
	}
	if update.IterationCount != nil {
		set("iteration_count", *update.IterationCount)
	}
	if update.LastError != nil {
		set("last_error", *update.LastError)
	} else if update.ClearLastError {
		sets = append(sets, "last_error = NULL")
	}
	if update.PharmacistFeedback != nil {
		set("pharmacist_feedback", *update.PharmacistFeedback)
	}
	if update.FormulaID != nil {
		set("formula_id", *update.FormulaID)
	}
	if update.CompletedAt != nil {
		set("completed_at", *update.CompletedAt)
	}

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	args = append(args, id, pq.Array(statuses))
	query := fmt.Sprintf(`UPDATE compounding_jobs SET %s WHERE id = $%d AND status = ANY($%d)`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return repository.ErrStatusConflict
}
