package safety

import (
	"testing"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllergyCrossSensitivitySulfa(t *testing.T) {
	in := cleanInput()
	in.MedicationName = "sulfamethoxazole"
	in.Ingredients = []string{"Sulfamethoxazole", "Ora-Plus"}
	in.Allergies = []string{"Sulfa"}
	in.Clinical.Label = model.Found(model.LabelSections{
		Contraindications: "Known sulfonamide hypersensitivity.",
	})

	sum := NewEvaluator(Config{}, nil).Evaluate(in)

	c := sum.Checks.AllergyCrossSensitivity
	assert.Equal(t, model.CheckFail, c.Status)
	assert.Equal(t, "Potential cross-sensitivity detected from external label data: Sulfa -> sulfa, Sulfa -> sulfonamide, Sulfa -> sulfamethoxazole.", c.Detail)
	assert.Contains(t, sum.BlockingIssues, c.Detail)
}

func TestExternalChecksFailClosedToggle(t *testing.T) {
	in := cleanInput()
	in.Allergies = []string{"latex"}
	in.CurrentMedications = []string{"Warfarin 5 mg tablet"}
	in.Clinical.Label = model.Failed[model.LabelSections]("HTTP 503")

	in.FailClosed = true
	closed := NewEvaluator(Config{}, nil).Evaluate(in)
	in.FailClosed = false
	open := NewEvaluator(Config{}, nil).Evaluate(in)

	pairs := []struct {
		closed, open model.CheckResult
		detail       string
	}{
		{closed.Checks.DrugInteractions, open.Checks.DrugInteractions, "External DDI label lookup failed."},
		{closed.Checks.ExternalDoseRange, open.Checks.ExternalDoseRange, "External dose-range lookup failed."},
		{closed.Checks.AllergyCrossSensitivity, open.Checks.AllergyCrossSensitivity, "External allergy cross-sensitivity lookup failed."},
	}
	for _, p := range pairs {
		assert.Equal(t, model.Fail(p.detail), p.closed)
		assert.Equal(t, model.Warn(p.detail), p.open)
		assert.Contains(t, closed.BlockingIssues, p.detail)
		assert.NotContains(t, open.BlockingIssues, p.detail)
		assert.Contains(t, open.Warnings, p.detail)
	}
	assert.Empty(t, open.BlockingIssues)
}

func TestExtractionWarningsEscalateWhenFailClosed(t *testing.T) {
	in := cleanInput()
	in.Clinical.Label = model.Missing[model.LabelSections]("no label")
	in.Clinical.ExtractionWarnings = []string{`openFDA returned no clinical label records for "amoxicillin".`, "  "}

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, []string{`openFDA returned no clinical label records for "amoxicillin".`}, sum.BlockingIssues)
	assert.Equal(t, model.CheckWarn, sum.Checks.ExternalDoseRange.Status)
	assert.Equal(t, []string{"No dosage text available in external labels."}, sum.Warnings)

	in.FailClosed = false
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Empty(t, sum.BlockingIssues)
	assert.Equal(t, []string{
		"No dosage text available in external labels.",
		`openFDA returned no clinical label records for "amoxicillin".`,
	}, sum.Warnings)
}

func TestExternalDoseRangeViolation(t *testing.T) {
	in := cleanInput()
	in.Report.SingleDoseMg = 16
	in.Report.DailyDoseMg = 32
	in.PatientWeightKg = 10
	in.Clinical.Label = model.Found(model.LabelSections{
		DoseText:      "Do not exceed 15 mg/dose. Maximum 30 mg/day.",
		PediatricText: "Children: 1 to 2.5 mg/kg/day.",
	})

	sum := NewEvaluator(Config{}, nil).Evaluate(in)

	c := sum.Checks.ExternalDoseRange
	assert.Equal(t, model.CheckFail, c.Status)
	assert.Equal(t, "External dose-range violation: single dose 16 mg > max 15 mg; daily dose 32 mg > max 30 mg/day; daily dose 3.20 mg/kg/day > max 2.50 mg/kg/day.", c.Detail)
	require.NotNil(t, sum.DoseConstraints.MaxDailyDoseMgPerKgDay)
	assert.Equal(t, 2.5, *sum.DoseConstraints.MaxDailyDoseMgPerKgDay)
}

func TestExternalDoseRangeWithoutConstraints(t *testing.T) {
	in := cleanInput()
	in.Clinical.Label = model.Found(model.LabelSections{DoseText: "Take as directed by your physician."})

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.Warn("No deterministic numeric max dose constraints were extracted from external labels."), sum.Checks.ExternalDoseRange)
	assert.Empty(t, sum.BlockingIssues)
}

func TestDrugInteractions(t *testing.T) {
	base := cleanInput()
	base.Clinical.Label = model.Found(model.LabelSections{
		InteractionsText: "Concomitant WARFARIN use may prolong prothrombin time.",
	})

	in := base
	in.CurrentMedications = []string{"Warfarin Sodium 5 mg Tablets", "Warfarin Sodium 5 mg Tablets", "Metformin ER"}
	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.Fail("External interaction section references concurrent medication(s): Warfarin Sodium 5 mg Tablets."), sum.Checks.DrugInteractions)

	// stopwords and short tokens never match on their own
	in.CurrentMedications = []string{"Use oral tablets"}
	base.Clinical.Label = model.Found(model.LabelSections{InteractionsText: "oral tablets with use of antacids"})
	in.Clinical = base.Clinical
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.CheckPass, sum.Checks.DrugInteractions.Status)

	in.Clinical.Label = model.Found(model.LabelSections{})
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.Warn("No interaction text available from external references."), sum.Checks.DrugInteractions)

	in.CurrentMedications = nil
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.Pass("No concurrent medications on record for DDI screening."), sum.Checks.DrugInteractions)
}

func TestMedicationAliases(t *testing.T) {
	assert.Equal(t, []string{"warfarin sodium 5 mg tablets", "warfarin", "sodium"}, medicationAliases(" Warfarin  Sodium 5 mg Tablets"))
	assert.Nil(t, medicationAliases("  "))
}
