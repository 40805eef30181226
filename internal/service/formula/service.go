package formula

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/internal/service/audit"
	"github.com/jwalitptl/compounding-api/pkg/logger"
)

type Service struct {
	repo   repository.FormulaRepository
	audit  *audit.Service
	logger *logger.Logger
}

func NewService(repo repository.FormulaRepository, auditSvc *audit.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, audit: auditSvc, logger: log}
}

// Resolve picks the master formulation record for a job: the patient's own
// formula, then the company formula, then a previously generated formula.
// When none exists a generated formula is persisted and returned.
func (s *Service) Resolve(ctx context.Context, jc model.JobContext, actorID *uuid.UUID) (*model.Formula, error) {
	medication := jc.Prescription.MedicationName
	patientID := jc.Patient.ID

	for _, source := range []model.FormulaSource{
		model.FormulaSourcePatient,
		model.FormulaSourceCompany,
		model.FormulaSourceGenerated,
	} {
		f, err := s.repo.FindActive(ctx, medication, source, &patientID)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve %s formula: %w", source, err)
		}
	}

	generated := GeneratedTemplate(jc.Prescription)
	if err := s.repo.Create(ctx, &generated); err != nil {
		return nil, fmt.Errorf("failed to persist generated formula: %w", err)
	}
	s.logger.WithContext(ctx).Info("Generated formula persisted",
		"formula_id", generated.ID.String(),
		"medication", medication)

	if err := s.audit.Record(ctx, jc.Job.ID, actorID, model.AuditFormulaGenerated, map[string]interface{}{
		"formulaId":      generated.ID,
		"medicationName": medication,
	}); err != nil {
		return nil, err
	}
	return &generated, nil
}

func f64(v float64) *float64 { return &v }

// GeneratedTemplate is the fallback master formulation record: the API
// suspended in Ora-Blend under the USP <795> aqueous default BUD.
func GeneratedTemplate(rx model.Prescription) model.Formula {
	return model.Formula{
		Source:         model.FormulaSourceGenerated,
		Name:           rx.MedicationName + " Auto-Generated Formula",
		MedicationName: rx.MedicationName,
		Ingredients: []model.Ingredient{
			{
				Name:                 rx.MedicationName,
				Role:                 model.RoleAPI,
				Quantity:             1,
				Unit:                 model.UnitG,
				ConcentrationMgPerML: f64(rx.StrengthMgPerML),
			},
			{Name: "Ora-Blend", Role: model.RoleVehicle, Quantity: 0, Unit: model.UnitML},
		},
		Safety: model.SafetyProfile{
			MinSingleDoseMg: f64(0.5),
			MaxSingleDoseMg: f64(50),
			MaxDailyDoseMg:  f64(150),
			BudRule:         model.BudRule{Category: model.BudAqueous},
		},
		Instructions:         "Generated formula pending pharmacist validation. Triturate API and qs with vehicle.",
		Equipment:            []string{"Class A balance", "Mortar and pestle", "Graduated cylinder"},
		QualityControl:       []string{"Appearance check", "Final volume check", "Label check"},
		ContainerClosure:     "Amber bottle with child-resistant cap.",
		LabelingRequirements: "Shake well before use. Store as directed on final label.",
		BudRationale:         "Generated formula defaults to USP <795> aqueous baseline pending pharmacist validation.",
		References: []model.FormulaReference{
			{Source: "system", Detail: "Auto-generated fallback MFR template"},
		},
		IsActive: true,
	}
}
