package preflight

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/pkg/validator"
)

const minInstructionLength = 20

// prescriptionCore carries the fields deterministic calculation needs.
type prescriptionCore struct {
	MedicationName   string  `validate:"required"`
	Route            string  `validate:"required"`
	DoseMgPerKg      float64 `validate:"gt=0"`
	FrequencyPerDay  float64 `validate:"gt=0"`
	StrengthMgPerML  float64 `validate:"gt=0"`
	DispenseVolumeML float64 `validate:"gt=0"`
}

// Gate runs the two checkpoints that must pass before any calculation.
type Gate struct {
	validator validator.Validator
}

func NewGate(v validator.Validator) *Gate {
	if v == nil {
		v = validator.New()
	}
	return &Gate{validator: v}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func check(ok bool, pass, fail string) model.CheckResult {
	if ok {
		return model.Pass(pass)
	}
	return model.Fail(fail)
}

// Intake verifies patient identity, weight, prescription completeness and
// allergy documentation.
func (g *Gate) Intake(jc model.JobContext) model.PreflightSummary {
	sum := model.PreflightSummary{
		Stage:          model.StageIntake,
		Checks:         make(map[string]model.CheckResult, 4),
		BlockingIssues: []string{},
		Warnings:       []string{},
	}
	add := func(name string, ok bool, pass, fail string) {
		sum.Checks[name] = check(ok, pass, fail)
		if !ok {
			sum.BlockingIssues = append(sum.BlockingIssues, fail)
		}
	}

	p, rx := jc.Patient, jc.Prescription

	add("patientIdentity", p.ID != uuid.Nil && p.FullName() != "",
		"Patient identity fields are present.",
		"Patient identity fields are incomplete.")

	add("patientWeight", finite(p.WeightKg) && p.WeightKg > 0,
		fmt.Sprintf("Patient weight captured (%s kg).", strconv.FormatFloat(p.WeightKg, 'f', -1, 64)),
		"Patient weight is missing or invalid.")

	core := prescriptionCore{
		MedicationName:   strings.TrimSpace(rx.MedicationName),
		Route:            strings.TrimSpace(rx.Route),
		DoseMgPerKg:      rx.DoseMgPerKg,
		FrequencyPerDay:  rx.FrequencyPerDay,
		StrengthMgPerML:  rx.StrengthMgPerML,
		DispenseVolumeML: rx.DispenseVolumeML,
	}
	complete := g.validator.Validate(core) == nil &&
		finite(rx.DoseMgPerKg, rx.FrequencyPerDay, rx.StrengthMgPerML, rx.DispenseVolumeML)
	add("prescriptionCompleteness", complete,
		"Prescription fields required for calculations are present.",
		"Prescription fields required for deterministic calculations are incomplete.")

	documented := p.Allergies != nil
	add("allergyDocumentation", documented,
		"Allergy documentation is present.",
		"Patient allergy documentation is missing.")
	if documented && len(p.Allergies) == 0 {
		sum.Warnings = append(sum.Warnings, "No allergies listed. Confirm this is intentionally documented as NKDA.")
	}
	return sum
}

func doseBoundsConsistent(s model.SafetyProfile) bool {
	if s.MinSingleDoseMg == nil || s.MaxSingleDoseMg == nil || s.MaxDailyDoseMg == nil {
		return false
	}
	lo, hi, daily := *s.MinSingleDoseMg, *s.MaxSingleDoseMg, *s.MaxDailyDoseMg
	return finite(lo, hi, daily) && lo >= 0 && hi > 0 && daily > 0 && lo <= hi && daily >= hi
}

// PreCompounding verifies the resolved formula. A generated formula without
// pharmacist feedback passes with a warning.
func (g *Gate) PreCompounding(jc model.JobContext, f model.Formula, feedback string) model.PreflightSummary {
	sum := model.PreflightSummary{
		Stage:          model.StagePreCompounding,
		Checks:         make(map[string]model.CheckResult, 5),
		BlockingIssues: []string{},
		Warnings:       []string{},
	}
	add := func(name string, ok bool, pass, fail string) {
		sum.Checks[name] = check(ok, pass, fail)
		if !ok {
			sum.BlockingIssues = append(sum.BlockingIssues, fail)
		}
	}

	add("recipeStructure", f.HasRole(model.RoleAPI) && f.HasRole(model.RoleVehicle),
		"Formula contains API and vehicle components.",
		"Formula recipe is incomplete (API and vehicle are both required).")

	add("instructionsCompleteness", len(strings.TrimSpace(f.Instructions)) >= minInstructionLength,
		"Compounding instructions are sufficiently detailed.",
		"Formula compounding instructions are missing or too brief.")

	add("safetyLimitCompleteness", doseBoundsConsistent(f.Safety),
		"Formula safety limits are present and internally consistent.",
		"Formula safety limits are incomplete or inconsistent.")

	var conflicts []string
	for _, allergy := range jc.Patient.Allergies {
		token := model.NormalizeName(allergy)
		if token == "" {
			continue
		}
		for _, ing := range f.Ingredients {
			if strings.Contains(model.NormalizeName(ing.Name), token) {
				conflicts = append(conflicts, allergy)
				break
			}
		}
	}
	if len(conflicts) > 0 {
		list := strings.Join(conflicts, ", ")
		sum.Checks["recipeAllergyScreen"] = model.Fail(fmt.Sprintf("Recipe conflicts with allergies: %s.", list))
		sum.BlockingIssues = append(sum.BlockingIssues, fmt.Sprintf("Formula recipe conflicts with documented allergies: %s.", list))
	} else {
		sum.Checks["recipeAllergyScreen"] = model.Pass("No direct recipe-allergy conflict found.")
	}

	hasContext := strings.TrimSpace(feedback) != ""
	switch {
	case f.Source != model.FormulaSourceGenerated:
		sum.Checks["recipeProvenance"] = model.Pass("Vetted formula source selected.")
	case hasContext:
		sum.Checks["recipeProvenance"] = model.Pass("Generated formula acknowledged with pharmacist context.")
		sum.Warnings = append(sum.Warnings,
			"Generated formula detected. Pharmacist rationale is recommended before compounding.",
			"Pharmacist context will be applied to the generated formula.")
	default:
		sum.Checks["recipeProvenance"] = model.Pass("Generated formula accepted without pharmacist context.")
		sum.Warnings = append(sum.Warnings,
			"Generated formula detected. Pharmacist rationale is recommended before compounding.",
			"No pharmacist context provided for generated formula; the default generated version will be used.")
	}
	return sum
}
