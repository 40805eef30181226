package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type formulaRepository struct {
	BaseRepository
}

func NewFormulaRepository(base BaseRepository) repository.FormulaRepository {
	return &formulaRepository{base}
}

// formulaRow carries the jsonb columns of a formula.
type formulaRow struct {
	model.Formula
	IngredientsJSON    []byte `db:"ingredients"`
	SafetyJSON         []byte `db:"safety"`
	EquipmentJSON      []byte `db:"equipment"`
	QualityControlJSON []byte `db:"quality_control"`
	ReferencesJSON     []byte `db:"references"`
}

func (row *formulaRow) decode() (*model.Formula, error) {
	f := row.Formula
	for _, col := range []struct {
		data []byte
		dst  interface{}
	}{
		{row.IngredientsJSON, &f.Ingredients},
		{row.SafetyJSON, &f.Safety},
		{row.EquipmentJSON, &f.Equipment},
		{row.QualityControlJSON, &f.QualityControl},
		{row.ReferencesJSON, &f.References},
	} {
		if err := fromJSON(col.data, col.dst); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

const formulaColumns = `id, source, name, medication_name, patient_id, ingredients, safety,
	instructions, equipment, quality_control, container_closure, labeling_requirements,
	bud_rationale, "references", is_active, created_at, updated_at`

func (r *formulaRepository) Get(ctx context.Context, id uuid.UUID) (*model.Formula, error) {
	query := `SELECT ` + formulaColumns + ` FROM formulas WHERE id = $1`

	var row formulaRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, fmt.Errorf("failed to get formula: %w", notFound(err))
	}
	return row.decode()
}

func (r *formulaRepository) FindActive(ctx context.Context, medicationName string, source model.FormulaSource, patientID *uuid.UUID) (*model.Formula, error) {
	query := `SELECT ` + formulaColumns + `
		FROM formulas
		WHERE is_active AND source = $1 AND lower(trim(medication_name)) = $2`
	args := []interface{}{source, model.NormalizeName(medicationName)}

	if source == model.FormulaSourcePatient {
		if patientID == nil {
			return nil, repository.ErrNotFound
		}
		query += ` AND patient_id = $3`
		args = append(args, *patientID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var row formulaRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find formula: %w", notFound(err))
	}
	return row.decode()
}

func (r *formulaRepository) Create(ctx context.Context, formula *model.Formula) error {
	cols := make([][]byte, 0, 5)
	for _, v := range []interface{}{formula.Ingredients, formula.Safety, formula.Equipment, formula.QualityControl, formula.References} {
		data, err := toJSON(v)
		if err != nil {
			return err
		}
		cols = append(cols, data)
	}

	if formula.ID == uuid.Nil {
		formula.ID = uuid.New()
	}
	formula.CreatedAt = time.Now()
	formula.UpdatedAt = formula.CreatedAt

	query := `
		INSERT INTO formulas (` + formulaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			formula.ID,
			formula.Source,
			formula.Name,
			formula.MedicationName,
			formula.PatientID,
			cols[0],
			cols[1],
			formula.Instructions,
			cols[2],
			cols[3],
			formula.ContainerClosure,
			formula.LabelingRequirements,
			formula.BudRationale,
			cols[4],
			formula.IsActive,
			formula.CreatedAt,
			formula.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create formula: %w", err)
		}
		return nil
	})
}
