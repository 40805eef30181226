package pipeline

import (
	"context"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/calculation"
	"github.com/jwalitptl/compounding-api/internal/service/review"
	"github.com/jwalitptl/compounding-api/internal/service/safety"
)

// Attempt is the immutable outcome of evaluating one working prescription.
type Attempt struct {
	Number         int
	Prescription   model.WorkingPrescription
	Report         model.CalculationReport
	HardChecks     model.HardCheckSummary
	Review         model.AIReview
	BlockingIssues []string
	Warnings       []string
	Overall        model.OverallStatus
}

// CorrectionIssues are the issues the next attempt is corrected against:
// the blocking issues, or the warnings when nothing blocks.
func (a Attempt) CorrectionIssues() []string {
	if len(a.BlockingIssues) > 0 {
		return a.BlockingIssues
	}
	return a.Warnings
}

// evaluate computes attempt n for rx. It writes nothing.
func (s *Service) evaluate(ctx context.Context, r *run, n int, rx model.WorkingPrescription) Attempt {
	report := calculation.BuildReport(
		calculation.InputFor(rx, r.jc.Patient.WeightKg, *r.formula, r.feedback),
		s.Clock(),
	)

	hard := s.Evaluator.Evaluate(safety.Input{
		MedicationName:     r.jc.Prescription.MedicationName,
		Report:             report,
		Safety:             r.formula.Safety,
		Ingredients:        r.ingredients,
		Allergies:          r.jc.Patient.Allergies,
		CurrentMedications: r.jc.CurrentMedications,
		PatientWeightKg:    r.jc.Patient.WeightKg,
		Lots:               r.lots,
		Clinical:           r.clinical,
		FailClosed:         s.cfg.FailClosed,
	})

	ai := s.Reviewer.Review(ctx, review.Input{
		MedicationName: r.jc.Prescription.MedicationName,
		Route:          r.jc.Prescription.Route,
		Report:         report,
		HardChecks:     hard,
		References:     r.references,
	})

	blocking := append([]string{}, hard.BlockingIssues...)
	if ai.Overall == model.VerdictFail && ai.Source != model.ReviewSourceSkipped {
		blocking = append(blocking, "AI review failed: "+ai.ClinicalReasonableness.Detail)
	}
	warnings := append([]string{}, hard.Warnings...)
	if ai.Overall == model.VerdictNeedsReview {
		warnings = append(warnings, "AI review requires attention: "+ai.PreparationCompleteness.Detail)
	}

	overall := model.OverallPass
	switch {
	case len(blocking) > 0:
		overall = model.OverallFail
	case ai.Overall == model.VerdictNeedsReview:
		overall = model.OverallNeedsReview
	}

	return Attempt{
		Number:         n,
		Prescription:   rx,
		Report:         report,
		HardChecks:     hard,
		Review:         ai,
		BlockingIssues: blocking,
		Warnings:       warnings,
		Overall:        overall,
	}
}
