package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type reportRepository struct {
	BaseRepository
}

func NewReportRepository(base BaseRepository) repository.ReportRepository {
	return &reportRepository{base}
}

type reportRow struct {
	model.StoredReport
	ContextJSON    []byte `db:"context"`
	ReportJSON     []byte `db:"report"`
	HardChecksJSON []byte `db:"hard_checks"`
	AIReviewJSON   []byte `db:"ai_review"`
}

func (row *reportRow) decode() (*model.StoredReport, error) {
	sr := row.StoredReport
	if err := fromJSON(row.ContextJSON, &sr.Context); err != nil {
		return nil, err
	}
	if err := fromJSON(row.ReportJSON, &sr.Report); err != nil {
		return nil, err
	}
	if err := fromJSON(row.HardChecksJSON, &sr.HardChecks); err != nil {
		return nil, err
	}
	if err := fromJSON(row.AIReviewJSON, &sr.AIReview); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (r *reportRepository) LatestVersion(ctx context.Context, jobID uuid.UUID) (int, error) {
	var version int
	query := `SELECT COALESCE(MAX(version), 0) FROM calculation_reports WHERE job_id = $1`
	if err := r.db.GetContext(ctx, &version, query, jobID); err != nil {
		return 0, fmt.Errorf("failed to get latest report version: %w", err)
	}
	return version, nil
}

func (r *reportRepository) Latest(ctx context.Context, jobID uuid.UUID) (*model.StoredReport, error) {
	query := `
		SELECT id, job_id, version, context, report, hard_checks, ai_review,
			overall_status, is_final, created_at
		FROM calculation_reports
		WHERE job_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	var row reportRow
	if err := r.db.GetContext(ctx, &row, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get latest report: %w", notFound(err))
	}
	return row.decode()
}

func (r *reportRepository) Create(ctx context.Context, report *model.StoredReport) error {
	cols := make([][]byte, 0, 4)
	for _, v := range []interface{}{report.Context, report.Report, report.HardChecks, report.AIReview} {
		data, err := toJSON(v)
		if err != nil {
			return err
		}
		cols = append(cols, data)
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	report.CreatedAt = time.Now()

	// (job_id, version) is unique, so a concurrent writer cannot reuse a version.
	query := `
		INSERT INTO calculation_reports (
			id, job_id, version, context, report, hard_checks, ai_review,
			overall_status, is_final, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		report.ID,
		report.JobID,
		report.Version,
		cols[0],
		cols[1],
		cols[2],
		cols[3],
		report.OverallStatus,
		report.IsFinal,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}
