package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

const uniqueViolation = "23505"

type approvalRepository struct {
	BaseRepository
}

func NewApprovalRepository(base BaseRepository) repository.ApprovalRepository {
	return &approvalRepository{base}
}

func (r *approvalRepository) Approve(ctx context.Context, params repository.ApproveParams, build repository.FinalOutputBuilder) (*model.FinalOutput, error) {
	var out *model.FinalOutput

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE compounding_jobs
			SET status = $1, completed_at = $2, last_error = NULL, updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, model.JobStatusApproved, params.ApprovedAt, params.JobID, model.JobStatusVerified)
		if err != nil {
			return fmt.Errorf("failed to approve job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM compounding_jobs WHERE id = $1)`, params.JobID); err != nil {
				return fmt.Errorf("failed to approve job: %w", err)
			}
			if !exists {
				return repository.ErrNotFound
			}
			return repository.ErrStatusConflict
		}

		names := make([]string, 0, len(params.Requirements))
		for _, req := range params.Requirements {
			names = append(names, req.Name)
		}
		var lots []model.InventoryLot
		lockQuery := `
			SELECT ` + lotColumns + `
			FROM inventory_lots
			WHERE lower(trim(ingredient_name)) = ANY($1)
			ORDER BY id
			FOR UPDATE
		`
		if err := tx.SelectContext(ctx, &lots, lockQuery, pq.Array(normalizedNames(names))); err != nil {
			return fmt.Errorf("failed to lock inventory lots: %w", err)
		}

		consumed, err := repository.PlanConsumption(params.Requirements, lots)
		if err != nil {
			return err
		}
		for _, line := range consumed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE inventory_lots SET available_quantity = available_quantity - $1 WHERE id = $2`,
				line.Quantity, line.LotID,
			); err != nil {
				return fmt.Errorf("failed to consume lot %s: %w", line.LotNumber, err)
			}
		}

		out, err = build(consumed)
		if err != nil {
			return err
		}
		if out.ID == uuid.Nil {
			out.ID = uuid.New()
		}
		finalReport, err := toJSON(out.FinalReport)
		if err != nil {
			return err
		}
		label, err := toJSON(out.Label)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO final_outputs (id, job_id, approved_by, final_report, label, locked_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, out.ID, out.JobID, out.ApprovedBy, finalReport, label, out.LockedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return repository.ErrAlreadyFinalized
			}
			return fmt.Errorf("failed to insert final output: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE calculation_reports SET is_final = TRUE WHERE id = $1 AND job_id = $2`,
			params.ReportID, params.JobID,
		); err != nil {
			return fmt.Errorf("failed to mark report final: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type finalOutputRow struct {
	model.FinalOutput
	FinalReportJSON []byte `db:"final_report"`
	LabelJSON       []byte `db:"label"`
}

func (r *approvalRepository) GetFinalOutput(ctx context.Context, jobID uuid.UUID) (*model.FinalOutput, error) {
	query := `
		SELECT id, job_id, approved_by, final_report, label, locked_at
		FROM final_outputs
		WHERE job_id = $1
	`
	var row finalOutputRow
	if err := r.db.GetContext(ctx, &row, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get final output: %w", notFound(err))
	}
	out := row.FinalOutput
	if err := fromJSON(row.FinalReportJSON, &out.FinalReport); err != nil {
		return nil, err
	}
	if err := fromJSON(row.LabelJSON, &out.Label); err != nil {
		return nil, err
	}
	return &out, nil
}
